package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Digest computes sha256(JCS(envelope) || prevHashBytes), where the envelope
// is the event with an empty Hash. prevHash is hex; empty means genesis.
func Digest(ev Event) (string, error) {
	ev.Hash = ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	concat := canon
	if ev.PrevHash != "" {
		prev, err := hex.DecodeString(ev.PrevHash)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prev...)
	}
	sum := sha256.Sum256(concat)
	return hex.EncodeToString(sum[:]), nil
}

// Seal links ev to prevHash and fills in its Hash. Seq, Handle and HandleSeq
// must already be assigned because they are part of the digest.
func Seal(ev *Event, prevHash string) error {
	ev.PrevHash = prevHash
	h, err := Digest(*ev)
	if err != nil {
		return err
	}
	ev.Hash = h
	return nil
}

// Verify checks that events, ordered by Seq, form an unbroken chain starting
// from prevHash and that every stored hash matches its recomputed digest.
func Verify(prevHash string, events []Event) error {
	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return fmt.Errorf("chain broken at seq %d: expected prev %q, got %q", ev.Seq, prevHash, ev.PrevHash)
		}
		if i > 0 && ev.Seq != events[i-1].Seq+1 {
			return fmt.Errorf("sequence gap between %d and %d", events[i-1].Seq, ev.Seq)
		}
		h, err := Digest(ev)
		if err != nil {
			return fmt.Errorf("digest seq %d: %w", ev.Seq, err)
		}
		if h != ev.Hash {
			return fmt.Errorf("hash mismatch at seq %d: computed=%s stored=%s", ev.Seq, h, ev.Hash)
		}
		prevHash = ev.Hash
	}
	return nil
}
