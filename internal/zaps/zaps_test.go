package zaps

import (
  "context"
  "errors"
  "sync"
  "testing"
  "time"

  "github.com/nbd-wtf/go-nostr"
  "github.com/rs/zerolog"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func signedZapRequest(t *testing.T, tags nostr.Tags) string {
  t.Helper()
  sk := nostr.GeneratePrivateKey()
  evt := nostr.Event{
    Kind:      nostr.KindZapRequest,
    CreatedAt: nostr.Now(),
    Tags:      tags,
  }
  require.NoError(t, evt.Sign(sk))
  raw, err := evt.MarshalJSON()
  require.NoError(t, err)
  return string(raw)
}

func recipient(t *testing.T) string {
  pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
  require.NoError(t, err)
  return pk
}

type fakePool struct {
  mu        sync.Mutex
  published []nostr.Event
  urls      [][]string
  fail      map[string]error
  delay     map[string]time.Duration
}

func (p *fakePool) PublishMany(ctx context.Context, urls []string, evt nostr.Event) chan nostr.PublishResult {
  p.mu.Lock()
  p.published = append(p.published, evt)
  p.urls = append(p.urls, urls)
  p.mu.Unlock()

  ch := make(chan nostr.PublishResult, len(urls))
  var wg sync.WaitGroup
  for _, url := range urls {
    wg.Add(1)
    go func(url string) {
      defer wg.Done()
      if d := p.delay[url]; d > 0 {
        select {
        case <-time.After(d):
        case <-ctx.Done():
          ch <- nostr.PublishResult{RelayURL: url, Error: ctx.Err()}
          return
        }
      }
      ch <- nostr.PublishResult{RelayURL: url, Error: p.fail[url]}
    }(url)
  }
  go func() {
    wg.Wait()
    close(ch)
  }()
  return ch
}

func TestParseZapRequest(t *testing.T) {
  to := recipient(t)
  raw := signedZapRequest(t, nostr.Tags{
    {"p", to},
    {"e", "ee"},
    {"a", "30023:" + to + ":post"},
    {"relays", "wss://a.example", "wss://b.example"},
    {"amount", "1000000"},
  })

  zr, err := ParseZapRequest(raw)
  require.NoError(t, err)
  assert.Equal(t, to, zr.Recipient)
  assert.Equal(t, "ee", zr.EventID)
  assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, zr.Relays)
  assert.Equal(t, raw, zr.Raw)
  assert.Equal(t, DescriptionHash(raw), zr.DescriptionHash())
  assert.Len(t, zr.DescriptionHash(), 64)
}

func TestParseZapRequestRejects(t *testing.T) {
  to := recipient(t)

  _, err := ParseZapRequest("")
  assert.Error(t, err)

  _, err = ParseZapRequest("{not json")
  assert.Error(t, err)

  _, err = ParseZapRequest(signedZapRequest(t, nostr.Tags{}))
  assert.Error(t, err, "missing p tag")

  _, err = ParseZapRequest(signedZapRequest(t, nostr.Tags{{"p", to}, {"p", to}}))
  assert.Error(t, err, "two p tags")

  sk := nostr.GeneratePrivateKey()
  note := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", to}}}
  require.NoError(t, note.Sign(sk))
  raw, _ := note.MarshalJSON()
  _, err = ParseZapRequest(string(raw))
  assert.Error(t, err, "wrong kind")

  zap := nostr.Event{Kind: nostr.KindZapRequest, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", to}}}
  require.NoError(t, zap.Sign(sk))
  zap.Content = "tampered"
  raw, _ = zap.MarshalJSON()
  _, err = ParseZapRequest(string(raw))
  assert.Error(t, err, "bad signature")
}

func TestBuildReceipt(t *testing.T) {
  to := recipient(t)
  raw := signedZapRequest(t, nostr.Tags{{"p", to}, {"e", "abc"}})
  zr, err := ParseZapRequest(raw)
  require.NoError(t, err)

  sk := nostr.GeneratePrivateKey()
  now := time.Unix(1_760_000_000, 0)
  evt, err := BuildReceipt(Receipt{
    ZapRequest: zr,
    Bolt11:     "lnbc10u1ptest",
    Preimage:   "aa",
    SigningKey: sk,
    Message:    "thanks",
  }, now)
  require.NoError(t, err)

  assert.Equal(t, nostr.KindZap, evt.Kind)
  assert.Equal(t, nostr.Timestamp(now.Unix()), evt.CreatedAt)
  assert.Equal(t, "thanks", evt.Content)
  ok, err := evt.CheckSignature()
  require.NoError(t, err)
  assert.True(t, ok)

  tagValue := func(name string) string {
    for _, tag := range evt.Tags {
      if len(tag) >= 2 && tag[0] == name {
        return tag[1]
      }
    }
    return ""
  }
  assert.Equal(t, to, tagValue("p"))
  assert.Equal(t, "abc", tagValue("e"))
  assert.Equal(t, zr.Event.PubKey, tagValue("P"))
  assert.Equal(t, "lnbc10u1ptest", tagValue("bolt11"))
  assert.Equal(t, raw, tagValue("description"))
  assert.Equal(t, "aa", tagValue("preimage"))
  assert.Equal(t, "", tagValue("a"))

  _, err = BuildReceipt(Receipt{ZapRequest: zr, Bolt11: "x", Preimage: "y", SigningKey: "short"}, now)
  assert.Error(t, err)
}

func newTestPublisher(pool Pool, minAcks int) *Publisher {
  return NewPublisher(pool, minAcks, 2*time.Second, zerolog.Nop())
}

func testReceipt(t *testing.T, relays ...string) Receipt {
  zr, err := ParseZapRequest(signedZapRequest(t, nostr.Tags{{"p", recipient(t)}}))
  require.NoError(t, err)
  return Receipt{
    ZapRequest: zr,
    Bolt11:     "lnbc1",
    Preimage:   "00",
    Relays:     relays,
    SigningKey: nostr.GeneratePrivateKey(),
  }
}

func TestPublishFirstSuccessWins(t *testing.T) {
  pool := &fakePool{
    fail:  map[string]error{"wss://bad.example": errors.New("blocked")},
    delay: map[string]time.Duration{"wss://slow.example": time.Second},
  }
  pub := newTestPublisher(pool, 1)

  start := time.Now()
  evt, err := pub.Publish(context.Background(), testReceipt(t, "wss://bad.example", "wss://good.example", "wss://slow.example", "wss://good.example/"))
  require.NoError(t, err)
  assert.Less(t, time.Since(start), 900*time.Millisecond)
  assert.Equal(t, nostr.KindZap, evt.Kind)
  require.Len(t, pool.urls, 1)
  assert.Len(t, pool.urls[0], 3, "relays are deduplicated")
}

func TestPublishAllFail(t *testing.T) {
  pool := &fakePool{fail: map[string]error{
    "wss://a.example": errors.New("nope"),
    "wss://b.example": errors.New("nope"),
  }}
  pub := newTestPublisher(pool, 1)

  _, err := pub.Publish(context.Background(), testReceipt(t, "wss://a.example", "wss://b.example"))
  var bErr *BroadcastError
  require.ErrorAs(t, err, &bErr)
  assert.Equal(t, 0, bErr.Accepted)
  assert.Len(t, bErr.Failures, 2)
}

func TestPublishRequiresQuorum(t *testing.T) {
  pool := &fakePool{fail: map[string]error{"wss://b.example": errors.New("nope")}}

  _, err := newTestPublisher(pool, 3).Publish(context.Background(), testReceipt(t, "wss://a.example", "wss://b.example", "wss://c.example"))
  var bErr *BroadcastError
  require.ErrorAs(t, err, &bErr)
  assert.Equal(t, 2, bErr.Accepted)

  _, err = newTestPublisher(pool, 2).Publish(context.Background(), testReceipt(t, "wss://a.example", "wss://b.example", "wss://c.example"))
  assert.NoError(t, err)
}

func TestPublishNoRelays(t *testing.T) {
  pool := &fakePool{}
  _, err := newTestPublisher(pool, 1).Publish(context.Background(), testReceipt(t, "https://not-a-relay", " "))
  var bErr *BroadcastError
  require.ErrorAs(t, err, &bErr)
  assert.Empty(t, pool.published)
}

func TestPublishOutlivesCallerContext(t *testing.T) {
  pool := &fakePool{delay: map[string]time.Duration{"wss://slow.example": 50 * time.Millisecond}}
  ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
  defer cancel()

  evt, err := newTestPublisher(pool, 1).Publish(ctx, testReceipt(t, "wss://slow.example"))
  require.NoError(t, err, "a relay accepting after the caller gave up still counts")
  assert.Equal(t, nostr.KindZap, evt.Kind)
}

func TestPublishTimeoutFails(t *testing.T) {
  pool := &fakePool{delay: map[string]time.Duration{"wss://stuck.example": time.Minute}}
  pub := NewPublisher(pool, 1, 20*time.Millisecond, zerolog.Nop())

  _, err := pub.Publish(context.Background(), testReceipt(t, "wss://stuck.example"))
  var bErr *BroadcastError
  require.ErrorAs(t, err, &bErr)
  assert.ErrorIs(t, bErr.Failures["wss://stuck.example"], context.DeadlineExceeded)
}
