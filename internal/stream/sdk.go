package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"qqstream/internal/config"
)

// sdkFunc executes one registry entry with the caller-supplied positional
// args.
type sdkFunc func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error)

// SDKEntry binds a dotted path to an upstream call and declares which
// positional args carry conversation ids for whitelist enforcement.
// An index of -1 means the entry has no id of that kind.
type SDKEntry struct {
	fn       sdkFunc
	groupArg int
	userArg  int
}

// checkWhitelist validates the id-bearing args against the configured
// whitelist and returns the rejection error string, or "".
func (e *SDKEntry) checkWhitelist(wl config.Whitelist, args []json.RawMessage) string {
	if e.groupArg >= 0 {
		if id, err := argInt64(args, e.groupArg); err == nil && !wl.AllowsGroup(id) {
			return "group_not_in_whitelist"
		}
	}
	if e.userArg >= 0 {
		if id, err := argInt64(args, e.userArg); err == nil && !wl.AllowsUser(id) {
			return "user_not_in_whitelist"
		}
	}
	return ""
}

// SDKRegistry maps dotted paths to upstream send/query operations.
type SDKRegistry struct {
	entries map[string]*SDKEntry
}

// NewSDKRegistry builds the path table over the given invoker.
func NewSDKRegistry(inv Invoker) *SDKRegistry {
	r := &SDKRegistry{entries: make(map[string]*SDKEntry)}

	r.register("send.group", 0, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		groupID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("send.group: %w", err)
		}
		message, err := argAny(args, 1)
		if err != nil {
			return nil, fmt.Errorf("send.group: %w", err)
		}
		return inv.Data(ctx, "send_group_msg", map[string]any{"group_id": groupID, "message": message})
	})

	r.register("send.private", -1, 0, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		userID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("send.private: %w", err)
		}
		message, err := argAny(args, 1)
		if err != nil {
			return nil, fmt.Errorf("send.private: %w", err)
		}
		return inv.Data(ctx, "send_private_msg", map[string]any{"user_id": userID, "message": message})
	})

	r.register("send.groupForward", 0, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		groupID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("send.groupForward: %w", err)
		}
		messages, err := argAny(args, 1)
		if err != nil {
			return nil, fmt.Errorf("send.groupForward: %w", err)
		}
		return inv.Data(ctx, "send_group_forward_msg", map[string]any{"group_id": groupID, "messages": messages})
	})

	r.register("recall", -1, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		messageID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("recall: %w", err)
		}
		return nil, inv.OK(ctx, "delete_msg", map[string]any{"message_id": messageID})
	})

	r.register("query.group", 0, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		groupID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("query.group: %w", err)
		}
		return inv.Data(ctx, "get_group_info", map[string]any{"group_id": groupID})
	})

	r.register("query.member", 0, 1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		groupID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("query.member: %w", err)
		}
		userID, err := argInt64(args, 1)
		if err != nil {
			return nil, fmt.Errorf("query.member: %w", err)
		}
		return inv.Data(ctx, "get_group_member_info", map[string]any{"group_id": groupID, "user_id": userID})
	})

	r.register("query.memberList", 0, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		groupID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("query.memberList: %w", err)
		}
		return inv.Data(ctx, "get_group_member_list", map[string]any{"group_id": groupID})
	})

	r.register("query.stranger", -1, 0, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		userID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("query.stranger: %w", err)
		}
		return inv.Data(ctx, "get_stranger_info", map[string]any{"user_id": userID})
	})

	r.register("query.msg", -1, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		messageID, err := argInt64(args, 0)
		if err != nil {
			return nil, fmt.Errorf("query.msg: %w", err)
		}
		return inv.Data(ctx, "get_msg", map[string]any{"message_id": messageID})
	})

	r.register("query.forward", -1, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		id, err := argString(args, 0)
		if err != nil {
			return nil, fmt.Errorf("query.forward: %w", err)
		}
		return inv.Data(ctx, "get_forward_msg", map[string]any{"id": id})
	})

	r.register("query.login", -1, -1, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		return inv.Data(ctx, "get_login_info", nil)
	})

	return r
}

func (r *SDKRegistry) register(path string, groupArg, userArg int, fn sdkFunc) {
	r.entries[path] = &SDKEntry{fn: fn, groupArg: groupArg, userArg: userArg}
}

// Resolve looks up a dotted path.
func (r *SDKRegistry) Resolve(path string) (*SDKEntry, bool) {
	entry, ok := r.entries[path]
	return entry, ok
}

// Paths lists the registered dotted paths.
func (r *SDKRegistry) Paths() []string {
	paths := make([]string, 0, len(r.entries))
	for p := range r.entries {
		paths = append(paths, p)
	}
	return paths
}

func argInt64(args []json.RawMessage, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	var n int64
	if err := json.Unmarshal(args[i], &n); err != nil {
		return 0, fmt.Errorf("argument %d is not an integer", i)
	}
	return n, nil
}

func argString(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("argument %d is not a string", i)
	}
	return s, nil
}

// argAny returns the raw arg for passthrough params like message bodies.
func argAny(args []json.RawMessage, i int) (json.RawMessage, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing argument %d", i)
	}
	return args[i], nil
}
