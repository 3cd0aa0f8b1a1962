package client

import (
	"encoding/json"
	"time"
	"unicode/utf16"
)

// LastCopyKey holds the fingerprint of the most recent copy or cut in
// session storage.
const LastCopyKey = "exam:lastCopyToken"

// CopyMatchWindow is how long a copy counts as the source of a paste.
const CopyMatchWindow = 30 * time.Second

type copyToken struct {
	Hash uint32 `json:"h"`
	Ts   int64  `json:"ts"`
}

// Fingerprint is a djb2 xor hash over the UTF-16 code units of s, so the
// values agree with browser clients hashing the same text. It only needs to
// tell texts apart, not resist collisions.
func Fingerprint(s string) uint32 {
	h := uint32(5381)
	for _, u := range utf16.Encode([]rune(s)) {
		h = (h * 33) ^ uint32(u)
	}
	return h
}

// textLength counts s in UTF-16 code units, the unit browser clients
// report clipboard lengths in.
func textLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func rememberCopy(st Storage, text string, now time.Time) error {
	raw, err := json.Marshal(copyToken{Hash: Fingerprint(text), Ts: now.UnixMilli()})
	if err != nil {
		return err
	}
	return st.Set(LastCopyKey, string(raw))
}

// isInternalPaste reports whether text matches a copy made within
// CopyMatchWindow of now.
func isInternalPaste(st Storage, text string, now time.Time) bool {
	if text == "" {
		return false
	}
	raw, ok := st.Get(LastCopyKey)
	if !ok {
		return false
	}
	var tok copyToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return false
	}
	if now.Sub(time.UnixMilli(tok.Ts)) > CopyMatchWindow {
		return false
	}
	return tok.Hash == Fingerprint(text)
}
