package message

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller is the slice of the upstream invoker the formatter needs: an
// ok-checked action call returning the data payload.
type Caller interface {
	Data(ctx context.Context, action string, params any) (json.RawMessage, error)
}

type imageInfo struct {
	File     string      `json:"file"`
	URL      string      `json:"url"`
	FileSize json.Number `json:"file_size"`
}

type recordInfo struct {
	File     string      `json:"file"`
	URL      string      `json:"url"`
	FileSize json.Number `json:"file_size"`
}

type fileInfo struct {
	File     string      `json:"file"`
	URL      string      `json:"url"`
	FileName string      `json:"file_name"`
	FileSize json.Number `json:"file_size"`
}

// GroupInfo is the cached group metadata record.
type GroupInfo struct {
	GroupID   int64  `json:"group_id"`
	GroupName string `json:"group_name"`
}

// MemberInfo is the cached group member metadata record.
type MemberInfo struct {
	GroupID  int64  `json:"group_id"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

// StrangerInfo is the cached user metadata record.
type StrangerInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// LoginInfo identifies the bot account.
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

func getImage(ctx context.Context, c Caller, file string) (*imageInfo, error) {
	data, err := c.Data(ctx, "get_image", map[string]any{"file": file})
	if err != nil {
		return nil, err
	}
	var info imageInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_image: %w", err)
	}
	return &info, nil
}

func getRecord(ctx context.Context, c Caller, file string) (*recordInfo, error) {
	data, err := c.Data(ctx, "get_record", map[string]any{"file": file, "out_format": "mp3"})
	if err != nil {
		return nil, err
	}
	var info recordInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_record: %w", err)
	}
	return &info, nil
}

func getFile(ctx context.Context, c Caller, fileID string) (*fileInfo, error) {
	data, err := c.Data(ctx, "get_file", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var info fileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_file: %w", err)
	}
	return &info, nil
}

func getGroupFileURL(ctx context.Context, c Caller, groupID int64, fileID string, busid int64) (string, error) {
	params := map[string]any{"group_id": groupID, "file_id": fileID}
	if busid != 0 {
		params["busid"] = busid
	}
	data, err := c.Data(ctx, "get_group_file_url", params)
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode get_group_file_url: %w", err)
	}
	return out.URL, nil
}

func getForwardMsg(ctx context.Context, c Caller, id string) (json.RawMessage, error) {
	return c.Data(ctx, "get_forward_msg", map[string]any{"id": id})
}

func getMsg(ctx context.Context, c Caller, messageID int64) (json.RawMessage, error) {
	return c.Data(ctx, "get_msg", map[string]any{"message_id": messageID})
}

func getGroupInfo(ctx context.Context, c Caller, groupID int64) (*GroupInfo, error) {
	data, err := c.Data(ctx, "get_group_info", map[string]any{"group_id": groupID})
	if err != nil {
		return nil, err
	}
	var info GroupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_group_info: %w", err)
	}
	return &info, nil
}

func getGroupMemberInfo(ctx context.Context, c Caller, groupID, userID int64) (*MemberInfo, error) {
	data, err := c.Data(ctx, "get_group_member_info", map[string]any{"group_id": groupID, "user_id": userID})
	if err != nil {
		return nil, err
	}
	var info MemberInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_group_member_info: %w", err)
	}
	return &info, nil
}

func getStrangerInfo(ctx context.Context, c Caller, userID int64) (*StrangerInfo, error) {
	data, err := c.Data(ctx, "get_stranger_info", map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var info StrangerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_stranger_info: %w", err)
	}
	return &info, nil
}

// GetLoginInfo fetches the bot's own identity.
func GetLoginInfo(ctx context.Context, c Caller) (*LoginInfo, error) {
	data, err := c.Data(ctx, "get_login_info", nil)
	if err != nil {
		return nil, err
	}
	var info LoginInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode get_login_info: %w", err)
	}
	return &info, nil
}
