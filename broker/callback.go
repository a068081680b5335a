// Copyright (c) 2025 ApprovalFlow Authors.
// Licensed under the MIT License.

package broker

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/approvalflow/types"
)

// CallbackPayload 是外部审批通道回传的决策载荷。
//
// 兼容两种形态：严格形态带布尔 approved 字段；宽松形态用
// decision / status 字符串（approve、reject 等）。ParseCallback
// 把两者归一化为 Approved + Reason + DecidedBy。
type CallbackPayload struct {
	Approved  bool     `json:"approved"`
	Reason    string   `json:"reason,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

var approveWords = map[string]bool{
	"approve": true, "approved": true, "accept": true, "yes": true, "ok": true,
}

var rejectWords = map[string]bool{
	"reject": true, "rejected": true, "deny": true, "denied": true, "no": true,
}

// ParseCallback 解析回调 JSON 并归一化决策字段。
// 无法判定批准/拒绝的载荷返回 INVALID_CALLBACK 错误。
func ParseCallback(data []byte) (CallbackPayload, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return CallbackPayload{}, types.WrapError(types.ErrInvalidCallback, "callback payload is not valid JSON", err).
			WithHTTPStatus(400)
	}

	payload := CallbackPayload{}
	decided := false

	if v, ok := raw["approved"]; ok {
		switch t := v.(type) {
		case bool:
			payload.Approved = t
			decided = true
		case string:
			if approveWords[strings.ToLower(t)] || t == "true" {
				payload.Approved = true
				decided = true
			} else if rejectWords[strings.ToLower(t)] || t == "false" {
				payload.Approved = false
				decided = true
			}
		}
	}
	if !decided {
		for _, key := range []string{"decision", "status"} {
			s, ok := raw[key].(string)
			if !ok {
				continue
			}
			word := strings.ToLower(strings.TrimSpace(s))
			if approveWords[word] {
				payload.Approved = true
				decided = true
				break
			}
			if rejectWords[word] {
				payload.Approved = false
				decided = true
				break
			}
		}
	}
	if !decided {
		return CallbackPayload{}, types.NewError(types.ErrInvalidCallback,
			"callback payload carries no recognizable approve/reject decision").
			WithHTTPStatus(400)
	}

	if s, ok := raw["reason"].(string); ok {
		payload.Reason = s
	} else if s, ok := raw["comment"].(string); ok {
		payload.Reason = s
	}

	if s, ok := raw["decided_by"].(string); ok {
		payload.DecidedBy = s
	} else if s, ok := raw["approver"].(string); ok {
		payload.DecidedBy = s
	}
	payload.DecidedBy = normalizeDecidedBy(payload.DecidedBy)

	// tags 随决策传递，非字符串元素丢弃
	if vs, ok := raw["tags"].([]any); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok && s != "" {
				payload.Tags = append(payload.Tags, s)
			}
		}
	}

	return payload, nil
}

// normalizeDecidedBy 保证回调来源带 human: 前缀。
// 回调永远来自人工通道，system:* 与 policy:* 是 broker 内部保留前缀。
func normalizeDecidedBy(decidedBy string) string {
	decidedBy = strings.TrimSpace(decidedBy)
	if decidedBy == "" {
		return types.DecidedByHumanPrefix + "unknown"
	}
	if strings.HasPrefix(decidedBy, types.DecidedByHumanPrefix) {
		return decidedBy
	}
	return types.DecidedByHumanPrefix + decidedBy
}

// defaultReason 回调未携带理由时的兜底文案。
func defaultReason(approved bool) string {
	if approved {
		return "Approved"
	}
	return "Rejected"
}
