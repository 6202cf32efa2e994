package wiki

import (
	"context"
	"testing"
)

type stubAttachments struct {
	files   map[string][]byte
	stats   map[string]*AttachmentInfo
	entries []AttachmentInfo
	mask    int
	saveErr error
	saved   []string
	deleted []string
}

var _ AttachmentStore = (*stubAttachments)(nil)

func newStubAttachments() *stubAttachments {
	return &stubAttachments{
		files: map[string][]byte{},
		stats: map[string]*AttachmentInfo{},
	}
}

func (a *stubAttachments) Read(ctx context.Context, id string) ([]byte, bool, error) {
	data, ok := a.files[id]
	return data, ok, nil
}

func (a *stubAttachments) Stat(ctx context.Context, id string) (*AttachmentInfo, bool, error) {
	info, ok := a.stats[id]
	return info, ok, nil
}

func (a *stubAttachments) Save(ctx context.Context, id string, data []byte, overwrite bool) (string, error) {
	if a.saveErr != nil {
		return "", a.saveErr
	}
	a.saved = append(a.saved, id)
	a.files[id] = data
	a.stats[id] = &AttachmentInfo{ID: id, Size: int64(len(data))}
	return id, nil
}

func (a *stubAttachments) Delete(ctx context.Context, id string, level Level) (int, error) {
	a.deleted = append(a.deleted, id)
	if a.mask == DeleteOK {
		delete(a.files, id)
		delete(a.stats, id)
	}
	return a.mask, nil
}

func (a *stubAttachments) List(ctx context.Context, ns string, opts ListOptions) ([]AttachmentInfo, error) {
	return a.entries, nil
}

type historyFixture struct {
	auth        *stubAuthorizer
	store       *stubStore
	changelog   *stubChangelog
	attachments *stubAttachments
	service     HistoryService
}

func newHistoryFixture(t *testing.T, pageSize int) *historyFixture {
	t.Helper()

	fixture := &historyFixture{
		auth:        &stubAuthorizer{defaultLevel: LevelDelete},
		store:       newStubStore(),
		changelog:   newStubChangelog(),
		attachments: newStubAttachments(),
	}

	gate, err := NewAccessGate(fixture.auth)
	if err != nil {
		t.Fatalf("NewAccessGate returned error: %v", err)
	}

	service, err := NewHistoryService(HistoryServiceOptions{
		Resolver:    NewResolver("start"),
		Gate:        gate,
		Store:       fixture.store,
		Changelog:   fixture.changelog,
		Attachments: fixture.attachments,
		PageSize:    pageSize,
		Logger:      silentLogger(),
	})
	if err != nil {
		t.Fatalf("NewHistoryService returned error: %v", err)
	}

	fixture.service = service
	return fixture
}

func TestPageVersionsSplicesCurrentState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)
	fixture.store.texts["page"] = "current"
	fixture.store.modTimes["page"] = 1700000300
	fixture.changelog.revs["page"] = []int64{1700000200, 1700000100}
	fixture.changelog.infos["page"] = map[int64]*RevisionInfo{
		1700000200: {ID: "page", Stamp: 1700000200, Author: "alice", Kind: ChangeEdit},
		1700000100: {ID: "page", Stamp: 1700000100, Author: "bob", Kind: ChangeCreate},
	}
	fixture.store.revTexts["page"] = map[int64]string{
		1700000200: "second",
		1700000100: "first",
	}

	versions, err := fixture.service.PageVersions(ctx, Caller{Name: "alice"}, "page", 0)
	if err != nil {
		t.Fatalf("PageVersions returned error: %v", err)
	}

	if len(versions) != 3 {
		t.Fatalf("expected current state plus two revisions, got %d", len(versions))
	}
	if versions[0].Stamp != 1700000300 {
		t.Fatalf("expected the current state first, got stamp %d", versions[0].Stamp)
	}
	if versions[1].Stamp != 1700000200 || versions[2].Stamp != 1700000100 {
		t.Fatalf("expected reverse-chronological revisions, got %d then %d",
			versions[1].Stamp, versions[2].Stamp)
	}
}

func TestPageVersionsBoundedByPageSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 2)
	fixture.store.texts["page"] = "current"
	fixture.store.modTimes["page"] = 1700000300
	fixture.changelog.revs["page"] = []int64{1700000200, 1700000100}
	fixture.changelog.infos["page"] = map[int64]*RevisionInfo{
		1700000200: {ID: "page", Stamp: 1700000200},
		1700000100: {ID: "page", Stamp: 1700000100},
	}
	fixture.store.revTexts["page"] = map[int64]string{
		1700000200: "second",
		1700000100: "first",
	}

	versions, err := fixture.service.PageVersions(ctx, Caller{Name: "alice"}, "page", 0)
	if err != nil {
		t.Fatalf("PageVersions returned error: %v", err)
	}

	if len(versions) != 2 {
		t.Fatalf("expected the window bounded to the page size, got %d entries", len(versions))
	}
	if versions[0].Stamp != 1700000300 || versions[1].Stamp != 1700000200 {
		t.Fatalf("expected the oldest entry dropped, got stamps %d and %d",
			versions[0].Stamp, versions[1].Stamp)
	}
}

func TestPageVersionsWithSkipOmitsCurrentState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)
	fixture.store.texts["page"] = "current"
	fixture.store.modTimes["page"] = 1700000300
	fixture.changelog.revs["page"] = []int64{1700000200, 1700000100}
	fixture.changelog.infos["page"] = map[int64]*RevisionInfo{
		1700000100: {ID: "page", Stamp: 1700000100},
	}
	fixture.store.revTexts["page"] = map[int64]string{
		1700000100: "first",
	}

	versions, err := fixture.service.PageVersions(ctx, Caller{Name: "alice"}, "page", 1)
	if err != nil {
		t.Fatalf("PageVersions returned error: %v", err)
	}

	if len(versions) != 1 || versions[0].Stamp != 1700000100 {
		t.Fatalf("expected only the skipped window without the current state, got %+v", versions)
	}
}

func TestPageVersionsDropsRevisionsWithoutContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)
	fixture.store.texts["page"] = "current"
	fixture.store.modTimes["page"] = 1700000300
	fixture.changelog.revs["page"] = []int64{1700000200, 1700000100}
	fixture.changelog.infos["page"] = map[int64]*RevisionInfo{
		1700000200: {ID: "page", Stamp: 1700000200},
		1700000100: {ID: "page", Stamp: 1700000100},
	}
	fixture.store.revTexts["page"] = map[int64]string{
		1700000100: "first",
	}

	versions, err := fixture.service.PageVersions(ctx, Caller{Name: "alice"}, "page", 0)
	if err != nil {
		t.Fatalf("PageVersions returned error: %v", err)
	}

	if len(versions) != 2 {
		t.Fatalf("expected the contentless revision dropped, got %d entries", len(versions))
	}
	for _, version := range versions {
		if version.Stamp == 1700000200 {
			t.Fatalf("revision without backing content leaked into the result")
		}
	}
}

func TestPageVersionsAccessDenied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)
	fixture.auth.defaultLevel = LevelNone

	_, err := fixture.service.PageVersions(ctx, Caller{}, "page", 0)
	requireKind(t, err, KindAccessDenied)
}

func TestRecentChangesRejectsMalformedTimestamps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)

	for _, since := range []string{"123", "12345678901", "abcdefghij", ""} {
		_, err := fixture.service.RecentChanges(ctx, Caller{Name: "alice"}, since)
		requireKind(t, err, KindInvalidTimestamp)
	}
}

func TestRecentChangesEmptyWindowIsAFault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)

	_, err := fixture.service.RecentChanges(ctx, Caller{Name: "alice"}, "1700000000")
	requireKind(t, err, KindNoChanges)
}

func TestRecentChangesEnrichesCurrentSizeAndAuthor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)
	fixture.store.texts["page"] = "12345"
	fixture.changelog.recent = []RevisionInfo{
		{ID: "page", Stamp: 1700000100, IP: "10.0.0.7", Kind: ChangeEdit},
	}

	changes, err := fixture.service.RecentChanges(ctx, Caller{Name: "alice"}, "1700000000")
	if err != nil {
		t.Fatalf("RecentChanges returned error: %v", err)
	}

	if len(changes) != 1 {
		t.Fatalf("expected one change, got %d", len(changes))
	}
	if changes[0].Size != 5 {
		t.Fatalf("expected the current page size, got %d", changes[0].Size)
	}
	if changes[0].Author != "10.0.0.7" {
		t.Fatalf("expected author fallback to the network address, got %q", changes[0].Author)
	}
}

func TestRecentMediaChangesUsesAttachmentSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := newHistoryFixture(t, 5)
	fixture.attachments.stats["ns:logo.png"] = &AttachmentInfo{ID: "ns:logo.png", Size: 2048}
	fixture.changelog.recent = []RevisionInfo{
		{ID: "ns:logo.png", Stamp: 1700000100, Author: "alice", Kind: ChangeCreate},
	}

	changes, err := fixture.service.RecentMediaChanges(ctx, Caller{Name: "alice"}, "1700000000")
	if err != nil {
		t.Fatalf("RecentMediaChanges returned error: %v", err)
	}

	if len(changes) != 1 || changes[0].Size != 2048 {
		t.Fatalf("expected attachment size enrichment, got %+v", changes)
	}
}
