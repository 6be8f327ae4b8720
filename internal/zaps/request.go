package zaps

import (
  "crypto/sha256"
  "encoding/hex"
  "encoding/json"
  "errors"
  "fmt"
  "strings"

  "github.com/nbd-wtf/go-nostr"
)

// ZapRequest is a parsed kind 9734 event. Raw is kept byte-for-byte because
// it is both hashed into the invoice and embedded in the receipt.
type ZapRequest struct {
  Raw        string
  Event      nostr.Event
  Recipient  string
  EventID    string
  Coordinate string
  Relays     []string
}

func ParseZapRequest(raw string) (*ZapRequest, error) {
  trimmed := strings.TrimSpace(raw)
  if trimmed == "" {
    return nil, errors.New("zap request empty")
  }

  var evt nostr.Event
  if err := json.Unmarshal([]byte(trimmed), &evt); err != nil {
    return nil, fmt.Errorf("zap request is not a nostr event: %w", err)
  }
  if evt.Kind != nostr.KindZapRequest {
    return nil, fmt.Errorf("zap request must be kind %d", nostr.KindZapRequest)
  }
  if ok, err := evt.CheckSignature(); err != nil || !ok {
    return nil, errors.New("zap request signature invalid")
  }

  zr := &ZapRequest{Raw: raw, Event: evt}
  pCount := 0
  for _, tag := range evt.Tags {
    if len(tag) < 2 {
      continue
    }
    switch tag[0] {
    case "p":
      pCount++
      zr.Recipient = tag[1]
    case "e":
      if zr.EventID == "" {
        zr.EventID = tag[1]
      }
    case "a":
      if zr.Coordinate == "" {
        zr.Coordinate = tag[1]
      }
    case "relays":
      zr.Relays = append(zr.Relays, tag[1:]...)
    }
  }
  if pCount != 1 {
    return nil, errors.New("zap request must have exactly one p tag")
  }
  if !nostr.IsValid32ByteHex(zr.Recipient) {
    return nil, errors.New("zap request p tag must be a hex pubkey")
  }
  return zr, nil
}

// DescriptionHash is the hex sha256 the invoice must commit to.
func (z *ZapRequest) DescriptionHash() string {
  return DescriptionHash(z.Raw)
}

func DescriptionHash(description string) string {
  sum := sha256.Sum256([]byte(description))
  return hex.EncodeToString(sum[:])
}
