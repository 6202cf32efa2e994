package users

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"fernwiki/app/internal/wiki"
)

type stubAuthorizer struct {
	admin       bool
	caps        map[wiki.Capability]bool
	createOK    bool
	createErr   error
	created     []wiki.NewUser
	deleteOK    bool
	deleteCalls int
	deleted     []string
}

var _ wiki.Authorizer = (*stubAuthorizer)(nil)

func (a *stubAuthorizer) Level(ctx context.Context, caller wiki.Caller, id string) (wiki.Level, error) {
	return wiki.LevelNone, nil
}

func (a *stubAuthorizer) LevelFor(ctx context.Context, id, user string, groups []string) (wiki.Level, error) {
	return wiki.LevelNone, nil
}

func (a *stubAuthorizer) IsAdmin(ctx context.Context, caller wiki.Caller) (bool, error) {
	return a.admin, nil
}

func (a *stubAuthorizer) Supports(capability wiki.Capability) bool {
	return a.caps[capability]
}

func (a *stubAuthorizer) CreateUser(ctx context.Context, user wiki.NewUser) (bool, error) {
	if a.createErr != nil {
		return false, a.createErr
	}
	a.created = append(a.created, user)
	return a.createOK, nil
}

func (a *stubAuthorizer) DeleteUsers(ctx context.Context, names []string) (bool, error) {
	a.deleteCalls++
	a.deleted = append(a.deleted, names...)
	return a.deleteOK, nil
}

func (a *stubAuthorizer) UserGroups(ctx context.Context, user string) ([]string, bool, error) {
	return nil, false, nil
}

type stubNotifier struct {
	notified []wiki.NewUser
	err      error
}

func (n *stubNotifier) NotifyPassword(ctx context.Context, user wiki.NewUser) error {
	if n.err != nil {
		return n.err
	}
	n.notified = append(n.notified, user)
	return nil
}

func silentLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func requireKind(t *testing.T, err error, kind wiki.Kind) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected fault of kind %d, got nil error", kind)
	}
	fault, ok := wiki.FaultFrom(err)
	if !ok {
		t.Fatalf("expected fault, got %v", err)
	}
	if fault.Kind != kind {
		t.Fatalf("expected fault kind %d, got %d (%s)", kind, fault.Kind, fault.Message)
	}
}

func newFixture(t *testing.T, auth *stubAuthorizer, notifier Notifier) Service {
	t.Helper()

	service, err := NewService(auth, wiki.NewResolver("start"), notifier, silentLogger(), nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return service
}

func validUser() wiki.NewUser {
	return wiki.NewUser{
		Login: "New User",
		Name:  "New User",
		Mail:  "new@example.org",
	}
}

func TestCreateRequiresAdministrator(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	service := newFixture(t, auth, nil)

	_, err := service.Create(context.Background(), wiki.Caller{Name: "bob"}, validUser())
	requireKind(t, err, wiki.KindAccessDenied)

	if len(auth.created) != 0 {
		t.Fatalf("expected no backend call for a non-administrator")
	}
}

func TestCreateRequiresBackendCapability(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true}
	service := newFixture(t, auth, nil)

	_, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, validUser())
	requireKind(t, err, wiki.KindAccessDenied)
}

func TestCreateRejectsInvalidLogin(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	service := newFixture(t, auth, nil)

	user := validUser()
	user.Login = "***"

	_, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, user)
	requireKind(t, err, wiki.KindInvalidUser)
}

func TestCreateRejectsInvalidDisplayName(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	service := newFixture(t, auth, nil)

	user := validUser()
	user.Name = "\x00\x01:"

	_, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, user)
	requireKind(t, err, wiki.KindInvalidName)
}

func TestCreateInvalidMailNeverReachesBackend(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	service := newFixture(t, auth, nil)

	user := validUser()
	user.Mail = "not-an-address"

	_, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, user)
	requireKind(t, err, wiki.KindInvalidMail)

	if len(auth.created) != 0 {
		t.Fatalf("expected no backend call with an invalid mail address")
	}
}

func TestCreateGeneratesPasswordWhenMissing(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, createOK: true, caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	service := newFixture(t, auth, nil)

	ok, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, validUser())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected the account to be created")
	}

	if len(auth.created) != 1 {
		t.Fatalf("expected one backend call, got %d", len(auth.created))
	}
	created := auth.created[0]
	if created.Password == "" {
		t.Fatalf("expected a generated password")
	}
	if created.Login != "new_user" {
		t.Fatalf("expected the canonical login, got %q", created.Login)
	}
	if created.Groups != nil {
		t.Fatalf("expected empty groups normalized to nil, got %v", created.Groups)
	}
}

func TestCreateNotifiesOnRequest(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, createOK: true, caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	notifier := &stubNotifier{}
	service := newFixture(t, auth, notifier)

	user := validUser()
	user.Notify = true

	if _, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, user); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if len(notifier.notified) != 1 {
		t.Fatalf("expected one password notification, got %d", len(notifier.notified))
	}
}

func TestCreateNotificationFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, createOK: true, caps: map[wiki.Capability]bool{wiki.CapUserCreate: true}}
	notifier := &stubNotifier{err: errStub("smtp down")}
	service := newFixture(t, auth, notifier)

	user := validUser()
	user.Notify = true

	ok, err := service.Create(context.Background(), wiki.Caller{Name: "root"}, user)
	if err != nil {
		t.Fatalf("expected notification failure to be swallowed, got %v", err)
	}
	if !ok {
		t.Fatalf("expected the account to be created despite the notification failure")
	}
}

func TestDeleteRequiresAdministrator(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{deleteOK: true}
	service := newFixture(t, auth, nil)

	_, err := service.Delete(context.Background(), wiki.Caller{Name: "bob"}, []string{"alice"})
	requireKind(t, err, wiki.KindAccessDenied)

	if auth.deleteCalls != 0 {
		t.Fatalf("expected no backend call for a non-administrator")
	}
}

func TestDeleteForwardsNames(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{admin: true, deleteOK: true}
	service := newFixture(t, auth, nil)

	ok, err := service.Delete(context.Background(), wiki.Caller{Name: "root"}, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected deletion to succeed")
	}
	if len(auth.deleted) != 2 {
		t.Fatalf("expected both names forwarded, got %v", auth.deleted)
	}
}

type errStub string

func (e errStub) Error() string {
	return string(e)
}
