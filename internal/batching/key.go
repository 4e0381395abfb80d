package batching

import (
	"fmt"
	"strings"
)

// DeadlineIndexKey is the global sorted set of armed deadlines. Members are
// Key.Member() values scored by deadline (epoch seconds).
const DeadlineIndexKey = "conv:deadlines"

// Key identifies a conversation: one contact talking to one business account
// on one platform.
type Key struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
	ContactID string `json:"contact_id"`
}

// Validate rejects empty parts and separators in the platform or account,
// which would make the index member ambiguous.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Platform) == "" || strings.TrimSpace(k.AccountID) == "" || strings.TrimSpace(k.ContactID) == "" {
		return fmt.Errorf("%w: platform, account and contact are required", ErrInvalidKey)
	}
	if strings.Contains(k.Platform, ":") || strings.Contains(k.AccountID, ":") {
		return fmt.Errorf("%w: platform and account must not contain ':'", ErrInvalidKey)
	}
	return nil
}

// Member renders the due-index member "{platform}:{account}:{contact}".
func (k Key) Member() string {
	return k.Platform + ":" + k.AccountID + ":" + k.ContactID
}

func (k Key) String() string { return k.Member() }

// ParseMember is the inverse of Member. The contact id keeps any further ':'.
func ParseMember(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{Platform: parts[0], AccountID: parts[1], ContactID: parts[2]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (k Key) prefix() string { return "conv:" + k.Member() }

func (k Key) msgsKey() string           { return k.prefix() + ":msgs" }
func (k Key) historyKey() string        { return k.prefix() + ":history" }
func (k Key) deadlineKey() string       { return k.prefix() + ":deadline" }
func (k Key) lockKey() string           { return k.prefix() + ":lock" }
func (k Key) metaKey() string           { return k.prefix() + ":meta" }
func (k Key) conversationIDKey() string { return k.prefix() + ":conversation_id" }

// allKeys lists every per-conversation key, for teardown.
func (k Key) allKeys() []string {
	return []string{
		k.msgsKey(),
		k.historyKey(),
		k.deadlineKey(),
		k.lockKey(),
		k.metaKey(),
		k.conversationIDKey(),
	}
}
