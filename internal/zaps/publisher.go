package zaps

import (
  "context"
  "errors"
  "fmt"
  "strings"
  "time"

  "github.com/nbd-wtf/go-nostr"
  "github.com/rs/zerolog"
)

// Pool is the part of nostr.SimplePool used for broadcasting.
type Pool interface {
  PublishMany(ctx context.Context, urls []string, evt nostr.Event) chan nostr.PublishResult
}

type Receipt struct {
  ZapRequest *ZapRequest
  Bolt11     string
  Preimage   string
  Relays     []string
  SigningKey string
  Message    string
}

// BroadcastError means fewer relays than required accepted the receipt.
type BroadcastError struct {
  Accepted int
  Required int
  Failures map[string]error
}

func (e *BroadcastError) Error() string {
  if len(e.Failures) == 0 {
    return fmt.Sprintf("zap receipt accepted by %d/%d required relays", e.Accepted, e.Required)
  }
  parts := make([]string, 0, len(e.Failures))
  for relay, err := range e.Failures {
    parts = append(parts, fmt.Sprintf("%s: %v", relay, err))
  }
  return fmt.Sprintf("zap receipt accepted by %d/%d required relays (%s)", e.Accepted, e.Required, strings.Join(parts, "; "))
}

// BuildReceipt returns the signed kind 9735 event for r.
func BuildReceipt(r Receipt, now time.Time) (nostr.Event, error) {
  if r.ZapRequest == nil {
    return nostr.Event{}, errors.New("zap request required")
  }
  if r.Bolt11 == "" || r.Preimage == "" {
    return nostr.Event{}, errors.New("bolt11 and preimage required")
  }
  if !nostr.IsValid32ByteHex(r.SigningKey) {
    return nostr.Event{}, errors.New("signing key must be 32 byte hex")
  }

  tags := nostr.Tags{{"p", r.ZapRequest.Recipient}}
  if r.ZapRequest.EventID != "" {
    tags = append(tags, nostr.Tag{"e", r.ZapRequest.EventID})
  }
  if r.ZapRequest.Coordinate != "" {
    tags = append(tags, nostr.Tag{"a", r.ZapRequest.Coordinate})
  }
  if r.ZapRequest.Event.PubKey != "" {
    tags = append(tags, nostr.Tag{"P", r.ZapRequest.Event.PubKey})
  }
  tags = append(tags,
    nostr.Tag{"bolt11", r.Bolt11},
    nostr.Tag{"description", r.ZapRequest.Raw},
    nostr.Tag{"preimage", r.Preimage},
  )

  evt := nostr.Event{
    CreatedAt: nostr.Timestamp(now.Unix()),
    Kind:      nostr.KindZap,
    Tags:      tags,
    Content:   r.Message,
  }
  if err := evt.Sign(r.SigningKey); err != nil {
    return nostr.Event{}, fmt.Errorf("sign zap receipt: %w", err)
  }
  return evt, nil
}

type Publisher struct {
  pool    Pool
  minAcks int
  timeout time.Duration
  logger  zerolog.Logger
  now     func() time.Time
}

func NewPublisher(pool Pool, minAcks int, timeout time.Duration, logger zerolog.Logger) *Publisher {
  if minAcks <= 0 {
    minAcks = 1
  }
  if timeout <= 0 {
    timeout = 10 * time.Second
  }
  return &Publisher{pool: pool, minAcks: minAcks, timeout: timeout, logger: logger, now: time.Now}
}

// Publish builds, signs and broadcasts the receipt. It returns once minAcks
// relays accepted it; the remaining relays keep going in the background until
// the publish timeout. The outcome depends only on relay results and the
// publish timeout, never on ctx, so a failure means no relay can still accept
// this event.
func (p *Publisher) Publish(ctx context.Context, r Receipt) (nostr.Event, error) {
  relays := uniqueRelays(r.Relays)
  if len(relays) == 0 {
    return nostr.Event{}, &BroadcastError{Required: p.minAcks}
  }
  required := p.minAcks
  if required > len(relays) {
    required = len(relays)
  }

  evt, err := BuildReceipt(r, p.now())
  if err != nil {
    return nostr.Event{}, err
  }

  pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
  results := p.pool.PublishMany(pubCtx, relays, evt)

  accepted := 0
  failures := map[string]error{}
  for {
    select {
    case res, ok := <-results:
      if !ok {
        cancel()
        return nostr.Event{}, &BroadcastError{Accepted: accepted, Required: required, Failures: failures}
      }
      if res.Error != nil {
        failures[res.RelayURL] = res.Error
        p.logger.Debug().Err(res.Error).Str("relay", res.RelayURL).Str("event_id", evt.ID).Msg("relay rejected zap receipt")
        continue
      }
      accepted++
      if accepted >= required {
        go drain(results, cancel)
        p.logger.Info().Str("event_id", evt.ID).Str("relay", res.RelayURL).Int("accepted", accepted).Msg("zap receipt published")
        return evt, nil
      }
    case <-pubCtx.Done():
      // wait for the pool to report the relays it cancelled
      for res := range results {
        if res.Error == nil {
          accepted++
          continue
        }
        failures[res.RelayURL] = res.Error
      }
      cancel()
      if accepted >= required {
        p.logger.Info().Str("event_id", evt.ID).Int("accepted", accepted).Msg("zap receipt published")
        return evt, nil
      }
      return nostr.Event{}, &BroadcastError{Accepted: accepted, Required: required, Failures: failures}
    }
  }
}

func drain(results chan nostr.PublishResult, cancel context.CancelFunc) {
  defer cancel()
  for range results {
  }
}

func uniqueRelays(items []string) []string {
  seen := make(map[string]struct{}, len(items))
  out := make([]string, 0, len(items))
  for _, item := range items {
    normalized := strings.TrimRight(strings.TrimSpace(item), "/")
    if normalized == "" {
      continue
    }
    if !strings.HasPrefix(normalized, "wss://") && !strings.HasPrefix(normalized, "ws://") {
      continue
    }
    if _, ok := seen[normalized]; ok {
      continue
    }
    seen[normalized] = struct{}{}
    out = append(out, normalized)
  }
  return out
}
