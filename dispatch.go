package forestfs

import (
	"context"
	"fmt"

	"github.com/mwantia/forestfs/data"
)

// Do dispatches a verb-keyed operation with a loosely typed property
// bag, the shape the routing layer delivers. Malformed properties
// report Invalid; everything else behaves exactly like the typed
// methods.
func (v *VFS) Do(ctx context.Context, user, verb string, props map[string]any) (any, error) {
	switch verb {
	case "READDIR":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		return v.Readdir(ctx, user, optString(props, "driveUUID"), dirUUID)

	case "MKDIR":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		name, err := propString(props, "name")
		if err != nil {
			return nil, err
		}
		policy, err := propPolicy(props)
		if err != nil {
			return nil, err
		}
		return v.Mkdir(ctx, user, dirUUID, name, policy, optBool(props, "read"))

	case "MKDIRS":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		names, err := propStrings(props, "names")
		if err != nil {
			return nil, err
		}
		policy, err := propPolicy(props)
		if err != nil {
			return nil, err
		}
		return v.Mkdirs(ctx, user, dirUUID, names, policy)

	case "RENAME":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		fromName, err := propString(props, "fromName")
		if err != nil {
			return nil, err
		}
		toName, err := propString(props, "toName")
		if err != nil {
			return nil, err
		}
		policy, err := propPolicy(props)
		if err != nil {
			return nil, err
		}
		return v.Rename(ctx, user, dirUUID, fromName, toName, policy)

	case "REMOVE":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		name, err := propString(props, "name")
		if err != nil {
			return nil, err
		}
		return nil, v.Remove(ctx, user, dirUUID, name)

	case "NEWFILE":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		name, err := propString(props, "name")
		if err != nil {
			return nil, err
		}
		tempPath, err := propString(props, "data")
		if err != nil {
			return nil, err
		}
		policy, err := propPolicy(props)
		if err != nil {
			return nil, err
		}
		return v.NewFile(ctx, user, dirUUID, name, tempPath, optString(props, "sha256"), policy)

	case "APPEND":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		name, err := propString(props, "name")
		if err != nil {
			return nil, err
		}
		hash, err := propString(props, "hash")
		if err != nil {
			return nil, err
		}
		tempPath, err := propString(props, "data")
		if err != nil {
			return nil, err
		}
		return v.Append(ctx, user, dirUUID, name, hash, tempPath, optString(props, "sha256"))

	case "ADDTAGS", "REMOVETAGS", "SETTAGS":
		dirUUID, err := propString(props, "dirUUID")
		if err != nil {
			return nil, err
		}
		name, err := propString(props, "name")
		if err != nil {
			return nil, err
		}
		tags, err := propInts(props, "tags")
		if err != nil {
			return nil, err
		}
		switch verb {
		case "ADDTAGS":
			return v.AddTags(ctx, user, dirUUID, name, tags)
		case "REMOVETAGS":
			return v.RemoveTags(ctx, user, dirUUID, name, tags)
		}
		return v.SetTags(ctx, user, dirUUID, name, tags)

	case "QUERY":
		q, err := propQuery(props)
		if err != nil {
			return nil, err
		}
		return v.Query(ctx, user, q)

	case "CPFILE", "MVFILE":
		src, err := propFileRef(props, "src")
		if err != nil {
			return nil, err
		}
		dst, err := propFileRef(props, "dst")
		if err != nil {
			return nil, err
		}
		policy, err := propPolicy(props)
		if err != nil {
			return nil, err
		}
		if verb == "CPFILE" {
			return v.CopyFile(ctx, user, src, dst, policy)
		}
		return v.MoveFile(ctx, user, src, dst, policy)

	case "MVDIRS":
		src, err := propFileRef(props, "src")
		if err != nil {
			return nil, err
		}
		dst, err := propFileRef(props, "dst")
		if err != nil {
			return nil, err
		}
		names, err := propStrings(props, "names")
		if err != nil {
			return nil, err
		}
		policy, err := propPolicy(props)
		if err != nil {
			return nil, err
		}
		return v.MoveDirs(ctx, user, src, dst, names, policy)
	}

	return nil, fmt.Errorf("%w: unknown operation %q", data.ErrInvalid, verb)
}

// --- property-bag accessors ---

func propString(props map[string]any, key string) (string, error) {
	raw, ok := props[key]
	if !ok {
		return "", fmt.Errorf("%w: missing property %q", data.ErrInvalid, key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: property %q must be a non-empty string", data.ErrInvalid, key)
	}
	return s, nil
}

func optString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func optBool(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}

func propStrings(props map[string]any, key string) ([]string, error) {
	switch raw := props[key].(type) {
	case []string:
		return raw, nil
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: property %q must be a string list", data.ErrInvalid, key)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: missing property %q", data.ErrInvalid, key)
	}
	return nil, fmt.Errorf("%w: property %q must be a string list", data.ErrInvalid, key)
}

func propInts(props map[string]any, key string) ([]int, error) {
	switch raw := props[key].(type) {
	case []int:
		return raw, nil
	case []any:
		out := make([]int, 0, len(raw))
		for _, item := range raw {
			switch n := item.(type) {
			case int:
				out = append(out, n)
			case float64:
				if n != float64(int(n)) {
					return nil, fmt.Errorf("%w: property %q must be an integer list", data.ErrInvalid, key)
				}
				out = append(out, int(n))
			default:
				return nil, fmt.Errorf("%w: property %q must be an integer list", data.ErrInvalid, key)
			}
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: missing property %q", data.ErrInvalid, key)
	}
	return nil, fmt.Errorf("%w: property %q must be an integer list", data.ErrInvalid, key)
}

func optInt(props map[string]any, key string) int {
	switch n := props[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func propPolicy(props map[string]any) (data.Policy, error) {
	raw, ok := props["policy"]
	if !ok || raw == nil {
		return data.Policy{}, nil
	}

	actions, err := propStrings(props, "policy")
	if err != nil {
		return data.Policy{}, err
	}
	return data.ParsePolicy(actions)
}

func propFileRef(props map[string]any, key string) (FileRef, error) {
	raw, ok := props[key].(map[string]any)
	if !ok {
		return FileRef{}, fmt.Errorf("%w: property %q must be an object", data.ErrInvalid, key)
	}

	ref := FileRef{
		Drive: optString(raw, "drive"),
		UUID:  optString(raw, "uuid"),
		Name:  optString(raw, "name"),
	}

	dir, err := propString(raw, "dir")
	if err != nil {
		return FileRef{}, err
	}
	ref.Dir = dir
	return ref, nil
}

func propQuery(props map[string]any) (*QueryOptions, error) {
	places, err := propStrings(props, "places")
	if err != nil {
		return nil, err
	}
	order, err := propString(props, "order")
	if err != nil {
		return nil, err
	}

	q := &QueryOptions{
		Places:      places,
		Order:       order,
		Count:       optInt(props, "count"),
		Name:        optString(props, "name"),
		Class:       optString(props, "class"),
		FileOnly:    optBool(props, "fileOnly"),
		CountOnly:   optBool(props, "countOnly"),
		GroupBy:     optString(props, "groupBy"),
		StartI:      optString(props, "starti"),
		StartE:      optString(props, "starte"),
		Last:        optString(props, "last"),
		CursorPlace: optInt(props, "cursorPlace"),
	}

	if _, ok := props["types"]; ok {
		if q.Types, err = propStrings(props, "types"); err != nil {
			return nil, err
		}
	}
	if _, ok := props["tags"]; ok {
		if q.Tags, err = propInts(props, "tags"); err != nil {
			return nil, err
		}
	}
	if raw, ok := props["cursor"]; ok && raw != nil {
		switch c := raw.(type) {
		case *IterCursor:
			q.Cursor = c
		case map[string]any:
			namepath, err := propStrings(c, "namepath")
			if err != nil {
				return nil, err
			}
			q.Cursor = &IterCursor{
				Namepath: namepath,
				Type:     data.EntryType(optString(c, "type")),
			}
		default:
			return nil, fmt.Errorf("%w: property %q must be a cursor object", data.ErrInvalid, "cursor")
		}
	}
	return q, nil
}
