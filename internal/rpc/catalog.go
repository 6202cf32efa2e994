package rpc

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/rotisserie/eris"

	"fernwiki/app/internal/users"
	"fernwiki/app/internal/wiki"
)

// RPCVersion is the protocol generation reported to introspection callers.
const RPCVersion = 2

// ErrInvalidParams marks a call whose arguments do not match what the
// handler expects.
var ErrInvalidParams = eris.New("invalid parameters")

// CatalogOptions carries the services the catalog dispatches into.
type CatalogOptions struct {
	Pages    wiki.PageService
	History  wiki.HistoryService
	Locks    wiki.LockService
	Media    wiki.MediaService
	Users    users.Service
	Gate     *wiki.AccessGate
	Resolver *wiki.Resolver
	Version  string
}

// Catalog builds the full method table. The table is the introspectable
// contract the transport publishes: names, advisory type tags, public flags,
// and documentation.
func Catalog(opts CatalogOptions) ([]MethodDescriptor, error) {
	if opts.Pages == nil {
		return nil, eris.New("page service is required")
	}
	if opts.History == nil {
		return nil, eris.New("history service is required")
	}
	if opts.Locks == nil {
		return nil, eris.New("lock service is required")
	}
	if opts.Media == nil {
		return nil, eris.New("media service is required")
	}
	if opts.Users == nil {
		return nil, eris.New("user service is required")
	}
	if opts.Gate == nil {
		return nil, eris.New("access gate is required")
	}
	if opts.Resolver == nil {
		return nil, eris.New("identifier resolver is required")
	}

	getPage := func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
		id, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		rev, err := optInt64(args, 1, 0)
		if err != nil {
			return nil, err
		}
		return opts.Pages.RawPage(ctx, caller, id, rev)
	}

	getPageInfo := func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
		id, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		rev, err := optInt64(args, 1, 0)
		if err != nil {
			return nil, err
		}
		info, err := opts.Pages.PageInfo(ctx, caller, id, rev)
		if err != nil {
			return nil, err
		}
		return pageInfoView(*info), nil
	}

	putPage := func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
		return putPageWith(ctx, caller, args, opts.Pages.PutPage)
	}

	appendPage := func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
		return putPageWith(ctx, caller, args, opts.Pages.AppendPage)
	}

	catalog := []MethodDescriptor{
		{
			Name:    "wiki.getVersion",
			Return:  TagString,
			Public:  true,
			Doc:     "Returns the wiki engine version.",
			Handler: constant(opts.Version),
		},
		{
			Name:    "wiki.getRPCVersionSupported",
			Return:  TagInt,
			Public:  true,
			Doc:     "Returns the supported RPC protocol generation.",
			Handler: constant(RPCVersion),
		},
		{
			Name:      "wiki.getPage",
			Args:      []TypeTag{TagString},
			Return:    TagString,
			Doc:       "Returns the raw text of the current state of a page.",
			Handler:   getPage,
			FixedArgs: []any{int64(0)},
		},
		{
			Name:    "wiki.getPageVersion",
			Args:    []TypeTag{TagString, TagInt},
			Return:  TagString,
			Doc:     "Returns the raw text of a page at a given revision.",
			Handler: getPage,
		},
		{
			Name:      "wiki.getPageInfo",
			Args:      []TypeTag{TagString},
			Return:    TagStruct,
			Doc:       "Returns name, modification time, author, and version of a page.",
			Handler:   getPageInfo,
			FixedArgs: []any{int64(0)},
		},
		{
			Name:    "wiki.getPageInfoVersion",
			Args:    []TypeTag{TagString, TagInt},
			Return:  TagStruct,
			Doc:     "Returns page information at a given revision.",
			Handler: getPageInfo,
		},
		{
			Name:   "wiki.getAllPages",
			Return: TagArray,
			Doc:    "Lists all pages readable by the caller.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				pages, err := opts.Pages.AllPages(ctx, caller)
				if err != nil {
					return nil, err
				}
				views := make([]map[string]any, 0, len(pages))
				for _, page := range pages {
					views = append(views, pageInfoView(page))
				}
				return views, nil
			},
		},
		{
			Name:   "wiki.listLinks",
			Args:   []TypeTag{TagString},
			Return: TagArray,
			Doc:    "Lists the links of a page.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				links, err := opts.Pages.ListLinks(ctx, caller, id)
				if err != nil {
					return nil, err
				}
				views := make([]map[string]any, 0, len(links))
				for _, link := range links {
					views = append(views, map[string]any{"type": link.Type, "page": link.Target})
				}
				return views, nil
			},
		},
		{
			Name:   "wiki.getBackLinks",
			Args:   []TypeTag{TagString},
			Return: TagArray,
			Doc:    "Lists the pages that link to a page.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				return opts.Pages.BackLinks(ctx, caller, id)
			},
		},
		{
			Name:    "wiki.putPage",
			Args:    []TypeTag{TagString, TagString, TagStruct},
			Return:  TagBool,
			Doc:     "Saves a page through the write pipeline.",
			Handler: putPage,
		},
		{
			Name:    "wiki.appendPage",
			Args:    []TypeTag{TagString, TagString, TagStruct},
			Return:  TagBool,
			Doc:     "Appends text to a page through the write pipeline.",
			Handler: appendPage,
		},
		{
			Name:   "wiki.getPageVersions",
			Args:   []TypeTag{TagString, TagInt},
			Return: TagArray,
			Doc:    "Lists a bounded window of page revisions, most recent first.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				skip, err := optInt64(args, 1, 0)
				if err != nil {
					return nil, err
				}
				versions, err := opts.History.PageVersions(ctx, caller, id, int(skip))
				if err != nil {
					return nil, err
				}
				return revisionViews(versions), nil
			},
		},
		{
			Name:   "wiki.getRecentChanges",
			Args:   []TypeTag{TagInt},
			Return: TagArray,
			Doc:    "Lists page changes at or after a 10-digit epoch timestamp.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				since, err := argTimestamp(args, 0)
				if err != nil {
					return nil, err
				}
				changes, err := opts.History.RecentChanges(ctx, caller, since)
				if err != nil {
					return nil, err
				}
				return revisionViews(changes), nil
			},
		},
		{
			Name:   "wiki.getRecentMediaChanges",
			Args:   []TypeTag{TagInt},
			Return: TagArray,
			Doc:    "Lists media changes at or after a 10-digit epoch timestamp.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				since, err := argTimestamp(args, 0)
				if err != nil {
					return nil, err
				}
				changes, err := opts.History.RecentMediaChanges(ctx, caller, since)
				if err != nil {
					return nil, err
				}
				return revisionViews(changes), nil
			},
		},
		{
			Name:   "wiki.getAttachment",
			Args:   []TypeTag{TagString},
			Return: TagBase64,
			Doc:    "Returns the raw bytes of a media file.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				data, err := opts.Media.Attachment(ctx, caller, id)
				if err != nil {
					return nil, err
				}
				return base64.StdEncoding.EncodeToString(data), nil
			},
		},
		{
			Name:   "wiki.getAttachmentInfo",
			Args:   []TypeTag{TagString},
			Return: TagStruct,
			Doc:    "Returns size and modification time of a media file.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				info, err := opts.Media.AttachmentInfo(ctx, caller, id)
				if err != nil {
					return nil, err
				}
				return attachmentView(*info), nil
			},
		},
		{
			Name:   "wiki.putAttachment",
			Args:   []TypeTag{TagString, TagBase64, TagStruct},
			Return: TagString,
			Doc:    "Stores a media file; attrs.ow permits overwriting.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				encoded, err := argString(args, 1)
				if err != nil {
					return nil, err
				}
				data, err := base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					return nil, eris.Wrap(ErrInvalidParams, "attachment data is not valid base64")
				}
				attrs, err := optMap(args, 2)
				if err != nil {
					return nil, err
				}
				overwrite, _ := attrs["ow"].(bool)
				return opts.Media.PutAttachment(ctx, caller, id, data, overwrite)
			},
		},
		{
			Name:   "wiki.deleteAttachment",
			Args:   []TypeTag{TagString},
			Return: TagInt,
			Doc:    "Deletes a media file.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				id, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				return opts.Media.DeleteAttachment(ctx, caller, id)
			},
		},
		{
			Name:   "wiki.listAttachments",
			Args:   []TypeTag{TagString, TagStruct},
			Return: TagArray,
			Doc:    "Lists the media files of a namespace.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				ns, err := optString(args, 0, "")
				if err != nil {
					return nil, err
				}
				raw, err := optMap(args, 1)
				if err != nil {
					return nil, err
				}
				listOpts := wiki.ListOptions{}
				if depth, ok := raw["depth"].(float64); ok {
					listOpts.Depth = int(depth)
				}
				if pattern, ok := raw["pattern"].(string); ok {
					listOpts.Pattern = pattern
				}
				if hash, ok := raw["hash"].(bool); ok {
					listOpts.Hash = hash
				}
				if skip, ok := raw["skipacl"].(bool); ok {
					listOpts.SkipACL = skip
				}
				entries, err := opts.Media.ListAttachments(ctx, caller, ns, listOpts)
				if err != nil {
					return nil, err
				}
				views := make([]map[string]any, 0, len(entries))
				for _, entry := range entries {
					views = append(views, attachmentView(entry))
				}
				return views, nil
			},
		},
		{
			Name:   "wiki.aclCheck",
			Args:   []TypeTag{TagString, TagString, TagArray},
			Return: TagInt,
			Doc:    "Returns the permission level on an identifier, optionally for another user.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				raw, err := argString(args, 0)
				if err != nil {
					return nil, err
				}
				id := opts.Resolver.Resolve(raw)

				if len(args) > 1 {
					user, err := argString(args, 1)
					if err != nil {
						return nil, err
					}
					groups, err := optStringSlice(args, 2)
					if err != nil {
						return nil, err
					}
					level, err := opts.Gate.LevelFor(ctx, id, user, groups)
					if err != nil {
						return nil, err
					}
					return int(level), nil
				}

				level, err := opts.Gate.Level(ctx, caller, id)
				if err != nil {
					return nil, err
				}
				return int(level), nil
			},
		},
		{
			Name:   "wiki.setLocks",
			Args:   []TypeTag{TagStruct},
			Return: TagStruct,
			Doc:    "Locks and unlocks a batch of pages, reporting per-page outcomes.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				raw, err := optMap(args, 0)
				if err != nil {
					return nil, err
				}
				lock, err := stringSlice(raw["lock"])
				if err != nil {
					return nil, err
				}
				unlock, err := stringSlice(raw["unlock"])
				if err != nil {
					return nil, err
				}
				result, err := opts.Locks.SetLocks(ctx, caller, wiki.LockRequest{Lock: lock, Unlock: unlock})
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"locked":     result.Locked,
					"lockfail":   result.LockFail,
					"unlocked":   result.Unlocked,
					"unlockfail": result.UnlockFail,
				}, nil
			},
		},
		{
			Name:   "wiki.createUser",
			Args:   []TypeTag{TagStruct},
			Return: TagBool,
			Doc:    "Creates a user in the authorization backend. Administrators only.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				raw, err := optMap(args, 0)
				if err != nil {
					return nil, err
				}
				groups, err := stringSlice(raw["groups"])
				if err != nil {
					return nil, err
				}
				user := wiki.NewUser{Groups: groups}
				user.Login, _ = raw["user"].(string)
				user.Password, _ = raw["password"].(string)
				user.Name, _ = raw["name"].(string)
				user.Mail, _ = raw["mail"].(string)
				user.Notify, _ = raw["notify"].(bool)
				return opts.Users.Create(ctx, caller, user)
			},
		},
		{
			Name:   "wiki.deleteUsers",
			Args:   []TypeTag{TagArray},
			Return: TagBool,
			Doc:    "Deletes users from the authorization backend. Administrators only.",
			Handler: func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
				names, err := optStringSlice(args, 0)
				if err != nil {
					return nil, err
				}
				return opts.Users.Delete(ctx, caller, names)
			},
		},
	}

	return catalog, nil
}

func putPageWith(ctx context.Context, caller wiki.Caller, args []any, write func(context.Context, wiki.Caller, string, string, wiki.PutAttrs) error) (any, error) {
	id, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	text, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	raw, err := optMap(args, 2)
	if err != nil {
		return nil, err
	}

	attrs := wiki.PutAttrs{}
	attrs.Summary, _ = raw["sum"].(string)
	attrs.Minor, _ = raw["minor"].(bool)

	if err := write(ctx, caller, id, text, attrs); err != nil {
		return nil, err
	}
	return true, nil
}

func constant(value any) Handler {
	return func(ctx context.Context, caller wiki.Caller, args []any) (any, error) {
		return value, nil
	}
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", eris.Wrapf(ErrInvalidParams, "argument %d is missing", i)
	}
	value, ok := args[i].(string)
	if !ok {
		return "", eris.Wrapf(ErrInvalidParams, "argument %d must be a string", i)
	}
	return value, nil
}

func optString(args []any, i int, fallback string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return fallback, nil
	}
	return argString(args, i)
}

func optInt64(args []any, i int, fallback int64) (int64, error) {
	if i >= len(args) || args[i] == nil {
		return fallback, nil
	}
	switch value := args[i].(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		return int64(value), nil
	default:
		return 0, eris.Wrapf(ErrInvalidParams, "argument %d must be an integer", i)
	}
}

// argTimestamp keeps numeric arguments in their decimal form so the 10-digit
// validation downstream sees exactly what the caller sent.
func argTimestamp(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", eris.Wrapf(ErrInvalidParams, "argument %d is missing", i)
	}
	switch value := args[i].(type) {
	case string:
		return value, nil
	case float64:
		return strconv.FormatInt(int64(value), 10), nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	case int:
		return strconv.Itoa(value), nil
	default:
		return "", eris.Wrapf(ErrInvalidParams, "argument %d must be a timestamp", i)
	}
}

func optMap(args []any, i int) (map[string]any, error) {
	if i >= len(args) || args[i] == nil {
		return map[string]any{}, nil
	}
	value, ok := args[i].(map[string]any)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidParams, "argument %d must be a struct", i)
	}
	return value, nil
}

func optStringSlice(args []any, i int) ([]string, error) {
	if i >= len(args) || args[i] == nil {
		return nil, nil
	}
	return stringSlice(args[i])
}

func stringSlice(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	switch typed := value.(type) {
	case []string:
		return typed, nil
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, eris.Wrap(ErrInvalidParams, "list items must be strings")
			}
			items = append(items, text)
		}
		return items, nil
	default:
		return nil, eris.Wrap(ErrInvalidParams, "value must be a list of strings")
	}
}

func pageInfoView(info wiki.PageInfo) map[string]any {
	return map[string]any{
		"name":         info.Name,
		"lastModified": info.LastModified,
		"author":       info.Author,
		"version":      info.Version,
	}
}

func revisionViews(entries []wiki.RevisionInfo) []map[string]any {
	views := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		views = append(views, map[string]any{
			"name":    entry.ID,
			"version": entry.Stamp,
			"author":  entry.Author,
			"ip":      entry.IP,
			"type":    string(entry.Kind),
			"sum":     entry.Summary,
			"minor":   entry.Minor,
			"size":    entry.Size,
		})
	}
	return views
}

func attachmentView(info wiki.AttachmentInfo) map[string]any {
	view := map[string]any{
		"id":           info.ID,
		"size":         info.Size,
		"lastModified": info.LastModified,
	}
	if info.Hash != "" {
		view["hash"] = info.Hash
	}
	return view
}
