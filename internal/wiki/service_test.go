package wiki

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type writeCall struct {
	id      string
	text    string
	summary string
	minor   bool
	by      Caller
}

type stubAuthorizer struct {
	levels       map[string]Level
	defaultLevel Level
	admin        bool
	noCreate     bool
	createOK     bool
	createCalls  int
	created      []NewUser
	deleteOK     bool
	deleteCalls  int
	groups       map[string][]string
}

var _ Authorizer = (*stubAuthorizer)(nil)

func (a *stubAuthorizer) Level(ctx context.Context, caller Caller, id string) (Level, error) {
	if level, ok := a.levels[id]; ok {
		return level, nil
	}
	return a.defaultLevel, nil
}

func (a *stubAuthorizer) LevelFor(ctx context.Context, id, user string, groups []string) (Level, error) {
	if level, ok := a.levels[id]; ok {
		return level, nil
	}
	return a.defaultLevel, nil
}

func (a *stubAuthorizer) IsAdmin(ctx context.Context, caller Caller) (bool, error) {
	return a.admin, nil
}

func (a *stubAuthorizer) Supports(capability Capability) bool {
	return !a.noCreate
}

func (a *stubAuthorizer) CreateUser(ctx context.Context, user NewUser) (bool, error) {
	a.createCalls++
	a.created = append(a.created, user)
	return a.createOK, nil
}

func (a *stubAuthorizer) DeleteUsers(ctx context.Context, names []string) (bool, error) {
	a.deleteCalls++
	return a.deleteOK, nil
}

func (a *stubAuthorizer) UserGroups(ctx context.Context, user string) ([]string, bool, error) {
	groups, ok := a.groups[user]
	return groups, ok, nil
}

type stubStore struct {
	texts    map[string]string
	revTexts map[string]map[int64]string
	modTimes map[string]int64
	writes   []writeCall
	writeErr error
}

var _ ContentStore = (*stubStore)(nil)

func newStubStore() *stubStore {
	return &stubStore{
		texts:    map[string]string{},
		revTexts: map[string]map[int64]string{},
		modTimes: map[string]int64{},
	}
}

func (s *stubStore) ReadText(ctx context.Context, id string, rev int64) (string, bool, error) {
	if rev == 0 {
		text, ok := s.texts[id]
		if !ok || text == "" {
			return "", false, nil
		}
		return text, true, nil
	}
	text, ok := s.revTexts[id][rev]
	if !ok || text == "" {
		return "", false, nil
	}
	return text, true, nil
}

func (s *stubStore) WriteText(ctx context.Context, id, text, summary string, minor bool, by Caller) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, writeCall{id: id, text: text, summary: summary, minor: minor, by: by})
	s.texts[id] = text
	return nil
}

func (s *stubStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.texts[id] != "", nil
}

func (s *stubStore) ModTime(ctx context.Context, id string) (int64, bool, error) {
	stamp, ok := s.modTimes[id]
	return stamp, ok, nil
}

func (s *stubStore) Size(ctx context.Context, id string) (int64, bool, error) {
	text, ok := s.texts[id]
	if !ok || text == "" {
		return 0, false, nil
	}
	return int64(len(text)), true, nil
}

func (s *stubStore) AllPages(ctx context.Context) ([]PageInfo, error) {
	var infos []PageInfo
	for id, text := range s.texts {
		if text == "" {
			continue
		}
		infos = append(infos, PageInfo{Name: id, LastModified: s.modTimes[id], Version: s.modTimes[id]})
	}
	return infos, nil
}

type stubChangelog struct {
	revs   map[string][]int64
	infos  map[string]map[int64]*RevisionInfo
	recent []RevisionInfo
}

var _ Changelog = (*stubChangelog)(nil)

func newStubChangelog() *stubChangelog {
	return &stubChangelog{
		revs:  map[string][]int64{},
		infos: map[string]map[int64]*RevisionInfo{},
	}
}

func (c *stubChangelog) Revisions(ctx context.Context, id string, skip, limit int) ([]int64, error) {
	stamps := c.revs[id]
	if skip >= len(stamps) {
		return nil, nil
	}
	stamps = stamps[skip:]
	if len(stamps) > limit {
		stamps = stamps[:limit]
	}
	return stamps, nil
}

func (c *stubChangelog) RevisionInfo(ctx context.Context, id string, rev int64) (*RevisionInfo, error) {
	return c.infos[id][rev], nil
}

func (c *stubChangelog) RecentSince(ctx context.Context, since int64, scope ChangeScope) ([]RevisionInfo, error) {
	var entries []RevisionInfo
	for _, entry := range c.recent {
		if entry.Stamp >= since {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

type stubLocker struct {
	holders    map[string]string
	acquireErr error
	acquires   []string
	releases   []string
}

var _ Locker = (*stubLocker)(nil)

func newStubLocker() *stubLocker {
	return &stubLocker{holders: map[string]string{}}
}

func (l *stubLocker) IsLockedByOther(ctx context.Context, id string, by Caller) (bool, error) {
	owner, held := l.holders[id]
	return held && owner != by.Name, nil
}

func (l *stubLocker) Acquire(ctx context.Context, id string, by Caller) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}
	if owner, held := l.holders[id]; held && owner != by.Name {
		return errStub("lock held by " + owner)
	}
	l.acquires = append(l.acquires, id)
	l.holders[id] = by.Name
	return nil
}

func (l *stubLocker) Release(ctx context.Context, id string, by Caller) (bool, error) {
	l.releases = append(l.releases, id)
	if owner, held := l.holders[id]; !held || owner != by.Name {
		return false, nil
	}
	delete(l.holders, id)
	return true, nil
}

type stubIndexer struct {
	indexed map[string]bool
	ensured []string
}

var _ Indexer = (*stubIndexer)(nil)

func newStubIndexer() *stubIndexer {
	return &stubIndexer{indexed: map[string]bool{}}
}

func (i *stubIndexer) IsIndexed(ctx context.Context, id string) (bool, error) {
	return i.indexed[id], nil
}

func (i *stubIndexer) EnsureIndexed(ctx context.Context, id string) error {
	i.ensured = append(i.ensured, id)
	i.indexed[id] = true
	return nil
}

type stubSpam struct {
	blocked bool
}

func (s *stubSpam) IsBlocked(text string) bool {
	return s.blocked
}

type pageFixture struct {
	auth      *stubAuthorizer
	store     *stubStore
	changelog *stubChangelog
	locker    *stubLocker
	indexer   *stubIndexer
	spam      *stubSpam
	service   PageService
}

func newPageFixture(t *testing.T) *pageFixture {
	t.Helper()

	fixture := &pageFixture{
		auth:      &stubAuthorizer{defaultLevel: LevelDelete},
		store:     newStubStore(),
		changelog: newStubChangelog(),
		locker:    newStubLocker(),
		indexer:   newStubIndexer(),
		spam:      &stubSpam{},
	}

	gate, err := NewAccessGate(fixture.auth)
	if err != nil {
		t.Fatalf("NewAccessGate returned error: %v", err)
	}

	service, err := NewPageService(PageServiceOptions{
		Resolver:       NewResolver("start"),
		Gate:           gate,
		Store:          fixture.store,
		Changelog:      fixture.changelog,
		Locker:         fixture.locker,
		Indexer:        fixture.indexer,
		Spam:           fixture.spam,
		PageTemplate:   "====== New page ======",
		CreatedSummary: "created",
		DeletedSummary: "removed",
		Logger:         silentLogger(),
	})
	if err != nil {
		t.Fatalf("NewPageService returned error: %v", err)
	}

	fixture.service = service
	return fixture
}

func silentLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected fault of kind %d, got nil error", kind)
	}
	fault, ok := FaultFrom(err)
	if !ok {
		t.Fatalf("expected fault, got %v", err)
	}
	if fault.Kind != kind {
		t.Fatalf("expected fault kind %d, got %d (%s)", kind, fault.Kind, fault.Message)
	}
}

func TestPutPageCreatesPageWithCreatedSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	caller := Caller{Name: "alice", IP: "10.0.0.1"}

	if err := fixture.service.PutPage(ctx, caller, "New Page", "hello world", PutAttrs{}); err != nil {
		t.Fatalf("PutPage returned error: %v", err)
	}

	if len(fixture.store.writes) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(fixture.store.writes))
	}

	write := fixture.store.writes[0]
	if write.id != "new_page" {
		t.Fatalf("expected canonical identifier new_page, got %q", write.id)
	}
	if write.summary != "created" {
		t.Fatalf("expected created summary, got %q", write.summary)
	}
	if write.by.Name != "alice" {
		t.Fatalf("expected caller identity to reach the store, got %q", write.by.Name)
	}

	if len(fixture.locker.acquires) != 1 || len(fixture.locker.releases) != 1 {
		t.Fatalf("expected one acquire and one release, got %d/%d",
			len(fixture.locker.acquires), len(fixture.locker.releases))
	}

	if len(fixture.indexer.ensured) != 1 {
		t.Fatalf("expected new page to be indexed, got %d index calls", len(fixture.indexer.ensured))
	}
}

func TestPutPageRejectsEmptyNewPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)

	err := fixture.service.PutPage(ctx, Caller{Name: "alice"}, "ghost", "   \n ", PutAttrs{})
	requireKind(t, err, KindEmptyNewPage)

	if len(fixture.store.writes) != 0 {
		t.Fatalf("expected no write, got %d", len(fixture.store.writes))
	}
}

func TestPutPageEmptyNewPageCheckedBeforePermissions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.auth.defaultLevel = LevelNone

	err := fixture.service.PutPage(ctx, Caller{Name: "mallory"}, "ghost", "", PutAttrs{})
	requireKind(t, err, KindEmptyNewPage)
}

func TestPutPageAccessDeniedPerformsNoWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.auth.defaultLevel = LevelRead

	err := fixture.service.PutPage(ctx, Caller{Name: "bob"}, "wiki:page", "text", PutAttrs{})
	requireKind(t, err, KindAccessDenied)

	if len(fixture.store.writes) != 0 {
		t.Fatalf("expected no write, got %d", len(fixture.store.writes))
	}
	if len(fixture.locker.acquires) != 0 {
		t.Fatalf("expected no lock acquisition, got %d", len(fixture.locker.acquires))
	}
}

func TestPutPageRejectsLockedPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["busy"] = "old"
	fixture.locker.holders["busy"] = "alice"

	err := fixture.service.PutPage(ctx, Caller{Name: "bob"}, "busy", "new text", PutAttrs{})
	requireKind(t, err, KindPageLocked)

	if len(fixture.store.writes) != 0 {
		t.Fatalf("expected no write while locked, got %d", len(fixture.store.writes))
	}
}

func TestPutPageSucceedsForCallerHoldingTheLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["notes"] = "old"

	gate, err := NewAccessGate(fixture.auth)
	if err != nil {
		t.Fatalf("NewAccessGate returned error: %v", err)
	}
	locks, err := NewLockService(NewResolver("start"), gate, fixture.locker, silentLogger(), nil)
	if err != nil {
		t.Fatalf("NewLockService returned error: %v", err)
	}

	alice := Caller{Name: "alice", IP: "10.0.0.1"}
	result, err := locks.SetLocks(ctx, alice, LockRequest{Lock: []string{"notes"}})
	if err != nil {
		t.Fatalf("SetLocks returned error: %v", err)
	}
	if len(result.Locked) != 1 || result.Locked[0] != "notes" {
		t.Fatalf("expected the lock to be taken, got %+v", result)
	}

	// The caller's own lock must not block the save.
	if err := fixture.service.PutPage(ctx, alice, "notes", "draft text", PutAttrs{}); err != nil {
		t.Fatalf("PutPage by the lock holder returned error: %v", err)
	}
	if len(fixture.store.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(fixture.store.writes))
	}
	if _, held := fixture.locker.holders["notes"]; held {
		t.Fatalf("expected the lock to be released after the save")
	}

	// Another editor's lock still blocks.
	fixture.locker.holders["notes"] = "bob"
	err = fixture.service.PutPage(ctx, alice, "notes", "later text", PutAttrs{})
	requireKind(t, err, KindPageLocked)
}

func TestPutPageRejectsBlockedContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.spam.blocked = true

	err := fixture.service.PutPage(ctx, Caller{Name: "bob"}, "page", "buy cheap pills", PutAttrs{})
	requireKind(t, err, KindSpamDetected)

	if len(fixture.store.writes) != 0 {
		t.Fatalf("expected no write for blocked content, got %d", len(fixture.store.writes))
	}
}

func TestPutPageEmptyingUsesDeletedSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["old"] = "existing content"

	if err := fixture.service.PutPage(ctx, Caller{Name: "alice"}, "old", "", PutAttrs{}); err != nil {
		t.Fatalf("PutPage returned error: %v", err)
	}

	if len(fixture.store.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(fixture.store.writes))
	}
	if summary := fixture.store.writes[0].summary; summary != "removed" {
		t.Fatalf("expected deleted summary, got %q", summary)
	}
}

func TestPutPageKeepsCallerSummaryVerbatim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["page"] = "old"

	if err := fixture.service.PutPage(ctx, Caller{Name: "alice"}, "page", "new", PutAttrs{Summary: "typo fix", Minor: true}); err != nil {
		t.Fatalf("PutPage returned error: %v", err)
	}

	write := fixture.store.writes[0]
	if write.summary != "typo fix" {
		t.Fatalf("expected caller summary, got %q", write.summary)
	}
	if !write.minor {
		t.Fatalf("expected minor flag to be preserved")
	}
}

func TestPutPageReleasesLockWhenPersistenceFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.writeErr = errStub("disk full")

	err := fixture.service.PutPage(ctx, Caller{Name: "alice"}, "page", "text", PutAttrs{})
	if err == nil {
		t.Fatalf("expected persistence error to propagate")
	}

	if len(fixture.locker.releases) != 1 {
		t.Fatalf("expected lock to be released on failure, got %d releases", len(fixture.locker.releases))
	}
	if _, held := fixture.locker.holders["page"]; held {
		t.Fatalf("expected lock to be gone after failed write")
	}
}

func TestPutPageSanitizesLineEndings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)

	if err := fixture.service.PutPage(ctx, Caller{Name: "alice"}, "page", "a\r\nb\rc\x00", PutAttrs{}); err != nil {
		t.Fatalf("PutPage returned error: %v", err)
	}

	if text := fixture.store.writes[0].text; text != "a\nb\nc" {
		t.Fatalf("expected sanitized text, got %q", text)
	}
}

func TestPutPageThenRawPageRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	caller := Caller{Name: "alice"}

	if err := fixture.service.PutPage(ctx, caller, "round:trip", "exact text", PutAttrs{}); err != nil {
		t.Fatalf("PutPage returned error: %v", err)
	}

	text, err := fixture.service.RawPage(ctx, caller, "round:trip", 0)
	if err != nil {
		t.Fatalf("RawPage returned error: %v", err)
	}
	if text != "exact text" {
		t.Fatalf("expected the text just written, got %q", text)
	}
}

func TestRawPageSubstitutesTemplateForMissingPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)

	text, err := fixture.service.RawPage(ctx, Caller{Name: "alice"}, "missing", 0)
	if err != nil {
		t.Fatalf("RawPage returned error: %v", err)
	}
	if text != "====== New page ======" {
		t.Fatalf("expected the page template, got %q", text)
	}
}

func TestRawPageAccessDenied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.auth.defaultLevel = LevelNone
	fixture.store.texts["secret"] = "hidden"

	_, err := fixture.service.RawPage(ctx, Caller{}, "secret", 0)
	requireKind(t, err, KindAccessDenied)
}

func TestAppendPageComposesCurrentContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["notes"] = "first\n"

	if err := fixture.service.AppendPage(ctx, Caller{Name: "alice"}, "notes", "second", PutAttrs{}); err != nil {
		t.Fatalf("AppendPage returned error: %v", err)
	}

	if text := fixture.store.writes[0].text; text != "first\nsecond" {
		t.Fatalf("expected appended content, got %q", text)
	}
}

func TestPageInfoAccessDenied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.auth.defaultLevel = LevelNone

	_, err := fixture.service.PageInfo(ctx, Caller{}, "page", 0)
	requireKind(t, err, KindAccessDenied)
}

func TestPageInfoForCurrentState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["page"] = "text"
	fixture.store.modTimes["page"] = 1700000000
	fixture.changelog.infos["page"] = map[int64]*RevisionInfo{
		1700000000: {ID: "page", Stamp: 1700000000, Author: "", IP: "10.0.0.9"},
	}

	info, err := fixture.service.PageInfo(ctx, Caller{Name: "alice"}, "page", 0)
	if err != nil {
		t.Fatalf("PageInfo returned error: %v", err)
	}

	if info.LastModified != 1700000000 || info.Version != 1700000000 {
		t.Fatalf("expected modification time stamps, got %+v", info)
	}
	if info.Author != "10.0.0.9" {
		t.Fatalf("expected author to fall back to the network address, got %q", info.Author)
	}
}

func TestPageInfoUnknownRevision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["page"] = "text"

	_, err := fixture.service.PageInfo(ctx, Caller{Name: "alice"}, "page", 1699999999)
	requireKind(t, err, KindNotFound)
}

func TestListLinksClassifiesTargets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["page"] = "See [[Other Page]] and [[https://example.org|the site]]."

	links, err := fixture.service.ListLinks(ctx, Caller{Name: "alice"}, "page")
	if err != nil {
		t.Fatalf("ListLinks returned error: %v", err)
	}

	if len(links) != 2 {
		t.Fatalf("expected two links, got %d", len(links))
	}
	if links[0].Type != "local" || links[0].Target != "other_page" {
		t.Fatalf("unexpected first link: %+v", links[0])
	}
	if links[1].Type != "extern" || links[1].Target != "https://example.org" {
		t.Fatalf("unexpected second link: %+v", links[1])
	}
}

func TestBackLinksFindsReferrers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newPageFixture(t)
	fixture.store.texts["target"] = "content"
	fixture.store.texts["referrer"] = "go to [[target]]"
	fixture.store.texts["unrelated"] = "nothing here"

	referrers, err := fixture.service.BackLinks(ctx, Caller{Name: "alice"}, "target")
	if err != nil {
		t.Fatalf("BackLinks returned error: %v", err)
	}

	if len(referrers) != 1 || referrers[0] != "referrer" {
		t.Fatalf("expected [referrer], got %v", referrers)
	}
}

type errStub string

func (e errStub) Error() string {
	return string(e)
}
