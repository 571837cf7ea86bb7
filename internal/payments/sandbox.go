package payments

import (
	"context"
	"fmt"
	"sync"
)

// SandboxProcessor is an in-process Processor for development mode and
// tests. Payments are captured and accounts payout-ready unless marked
// otherwise. Transfers honour idempotency keys like the real processor: the
// first answer for a key, success or refusal, is replayed for later requests,
// and reusing a key with different parameters is an error.
type SandboxProcessor struct {
	mu          sync.Mutex
	uncaptured  map[string]bool
	notReady    map[string]bool
	byKey       map[string]keyedResult
	transfers   []SandboxTransfer
	failure     *ProcessorError
	unavailable bool

	// BeforeTransfer, when set, runs before each transfer is recorded.
	BeforeTransfer func(req TransferRequest)
}

// SandboxTransfer is a recorded payout.
type SandboxTransfer struct {
	ID string
	TransferRequest
}

// keyedResult is the stored answer for one idempotency key.
type keyedResult struct {
	amountCents int64
	destination string
	id          string
	err         *ProcessorError
}

// CodeIdempotencyMismatch is returned when a key is reused with different
// parameters.
const CodeIdempotencyMismatch = "idempotency_error"

// NewSandboxProcessor creates an empty sandbox.
func NewSandboxProcessor() *SandboxProcessor {
	return &SandboxProcessor{
		uncaptured: make(map[string]bool),
		notReady:   make(map[string]bool),
		byKey:      make(map[string]keyedResult),
	}
}

// MarkUncaptured makes VerifyCaptured report paymentRef as not captured.
func (s *SandboxProcessor) MarkUncaptured(paymentRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uncaptured[paymentRef] = true
}

// SetPayoutReady overrides payout readiness for accountID.
func (s *SandboxProcessor) SetPayoutReady(accountID string, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notReady[accountID] = !ready
}

// FailTransfers makes every new transfer be refused with code and message
// until cleared with an empty code. Refusals are stored against their key.
func (s *SandboxProcessor) FailTransfers(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		s.failure = nil
		return
	}
	s.failure = &ProcessorError{Op: opTransfer, Code: code, Message: message, Refused: true}
}

// SetUnavailable simulates an outage on every call.
func (s *SandboxProcessor) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *SandboxProcessor) VerifyCaptured(_ context.Context, paymentRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, s.outage(opVerify)
	}
	return paymentRef != "" && !s.uncaptured[paymentRef], nil
}

func (s *SandboxProcessor) Transfer(_ context.Context, req TransferRequest) (string, error) {
	if s.BeforeTransfer != nil {
		s.BeforeTransfer(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return "", s.outage(opTransfer)
	}
	if prev, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		if prev.amountCents != req.AmountCents || prev.destination != req.DestinationAccount {
			return "", &ProcessorError{Op: opTransfer, Code: CodeIdempotencyMismatch,
				Message: "idempotency key reused with different parameters"}
		}
		if prev.err != nil {
			failure := *prev.err
			return "", &failure
		}
		return prev.id, nil
	}

	result := keyedResult{amountCents: req.AmountCents, destination: req.DestinationAccount}
	switch {
	case s.failure != nil:
		failure := *s.failure
		result.err = &failure
	case req.AmountCents <= 0:
		result.err = &ProcessorError{Op: opTransfer, Code: "amount_too_small",
			Message: "transfer amount must be positive", Refused: true}
	default:
		result.id = fmt.Sprintf("tr_sandbox_%d", len(s.transfers)+1)
		s.transfers = append(s.transfers, SandboxTransfer{ID: result.id, TransferRequest: req})
	}
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = result
	}
	if result.err != nil {
		failure := *result.err
		return "", &failure
	}
	return result.id, nil
}

func (s *SandboxProcessor) PayoutReady(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, s.outage(opAccount)
	}
	return accountID != "" && !s.notReady[accountID], nil
}

func (s *SandboxProcessor) PingContext(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return s.outage("ping")
	}
	return nil
}

// Transfers returns every distinct payout made so far.
func (s *SandboxProcessor) Transfers() []SandboxTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SandboxTransfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *SandboxProcessor) outage(op string) error {
	return &ProcessorError{Op: op, Code: CodeUnavailable, Message: "payment processor temporarily unavailable"}
}

// Compile-time assertion that SandboxProcessor implements Processor.
var _ Processor = (*SandboxProcessor)(nil)
