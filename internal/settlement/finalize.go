package settlement

import (
  "context"
  "errors"
  "fmt"

  "lnaddress-zaps/internal/addresses"
  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/zaps"

  "github.com/lightningnetwork/lnd/lntypes"
)

type outcome int

const (
  // another path finished the record first
  outcomeGone outcome = iota
  // another path holds the claim
  outcomeBusy
  outcomeSettled
  // broadcast failed, record re-armed
  outcomeRetry
  // broadcast failed too often, record removed
  outcomeDropped
)

// finalize turns a settled invoice into a receipt. The claim guarantees only
// one caller broadcasts; whoever loses sees outcomeBusy or outcomeGone.
// Once claimed, the record is finished on a context detached from the
// caller's and bounded by the claim lease.
func (s *Service) finalize(ctx context.Context, paymentHash, preimage string) (outcome, error) {
  if err := checkPreimage(paymentHash, preimage); err != nil {
    return outcomeRetry, err
  }

  ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ClaimLease)
  defer cancel()

  inv, err := s.store.Claim(ctx, paymentHash, s.opts.ClaimLease)
  if errors.Is(err, invoices.ErrClaimed) {
    return outcomeBusy, nil
  }
  if errors.Is(err, invoices.ErrNotFound) {
    return outcomeGone, nil
  }
  if err != nil {
    return outcomeRetry, fmt.Errorf("claim invoice: %w", err)
  }

  log := s.logger.With().Str("payment_hash", paymentHash).Str("name", inv.Name).Logger()

  if !inv.HasZap() || inv.ReceiptPublished {
    if err := s.complete(ctx, inv, preimage); err != nil {
      return outcomeRetry, err
    }
    log.Info().Bool("zap", inv.HasZap()).Msg("invoice settled")
    return outcomeSettled, nil
  }

  zr, err := zaps.ParseZapRequest(inv.ZapRequest)
  if err != nil {
    // validated at issuance; a record that no longer parses can never be sent
    log.Error().Err(err).Msg("stored zap request unusable, dropping record")
    s.metrics.receipt("dropped")
    return outcomeDropped, s.complete(ctx, inv, preimage)
  }

  _, pubErr := s.publisher.Publish(ctx, zaps.Receipt{
    ZapRequest: zr,
    Bolt11:     inv.Bolt11,
    Preimage:   preimage,
    Relays:     relaySet(zr, inv.FoundAddress, s.opts.DefaultRelays),
    SigningKey: inv.FoundAddress.SigningKey,
    Message:    inv.FoundAddress.ZapMessage,
  })
  inv.Settled = true
  inv.Preimage = preimage

  if pubErr == nil {
    s.metrics.receipt("published")
    if err := s.complete(ctx, inv, preimage); err != nil {
      log.Error().Err(err).Msg("receipt published but record not completed, marking it published")
      inv.ReceiptPublished = true
      if err := s.store.Set(ctx, inv, s.opts.PendingTTL); err != nil {
        return outcomeRetry, fmt.Errorf("mark receipt published: %w", err)
      }
    }
    return outcomeSettled, nil
  }

  inv.BroadcastAttempts++
  if inv.BroadcastAttempts >= s.opts.MaxBroadcastAttempts {
    s.metrics.receipt("dropped")
    log.Error().Err(pubErr).Int("attempts", inv.BroadcastAttempts).Msg("zap receipt undeliverable, dropping record")
    if err := s.complete(ctx, inv, preimage); err != nil {
      return outcomeDropped, err
    }
    return outcomeDropped, pubErr
  }

  s.metrics.receipt("failed")
  log.Warn().Err(pubErr).Int("attempts", inv.BroadcastAttempts).Msg("zap receipt broadcast failed, will retry")
  if err := s.store.Set(ctx, inv, s.opts.PendingTTL); err != nil {
    return outcomeRetry, errors.Join(pubErr, fmt.Errorf("re-arm invoice: %w", err))
  }
  return outcomeRetry, pubErr
}

// complete swaps the pending record for its settlement, which verify keeps
// serving for the pending TTL.
func (s *Service) complete(ctx context.Context, inv invoices.PendingInvoice, preimage string) error {
  if err := s.store.Complete(ctx, inv.Settlement(preimage), s.opts.PendingTTL); err != nil {
    return fmt.Errorf("complete invoice: %w", err)
  }
  return nil
}

func checkPreimage(paymentHash, preimage string) error {
  hash, err := lntypes.MakeHashFromStr(paymentHash)
  if err != nil {
    return fmt.Errorf("invalid payment hash: %w", err)
  }
  pre, err := lntypes.MakePreimageFromStr(preimage)
  if err != nil {
    return fmt.Errorf("invalid preimage: %w", err)
  }
  if !pre.Matches(hash) {
    return errors.New("preimage does not match payment hash")
  }
  return nil
}

// relaySet prefers the relays the zapper asked for, then the address
// defaults, then the process defaults.
func relaySet(zr *zaps.ZapRequest, addr addresses.LightningAddress, defaults []string) []string {
  switch {
  case len(zr.Relays) > 0:
    return zr.Relays
  case len(addr.DefaultRelays) > 0:
    return addr.DefaultRelays
  default:
    return defaults
  }
}
