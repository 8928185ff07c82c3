package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"haleoracle/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	now   time.Time
}

func (s *MemoryStoreSuite) SetupTest() {
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.store = NewMemoryStore(WithClock(func() time.Time { return s.now }))
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) issue(subject, code string) Record {
	rec := Record{
		Subject:       subject,
		Code:          code,
		EscrowAddress: "0xEscrow",
		Requirements:  "build a widget",
		IssuedAt:      s.now,
	}
	s.Require().NoError(s.store.Issue(context.Background(), rec))
	return rec
}

func (s *MemoryStoreSuite) TestValidate() {
	s.Run("correct code validates", func() {
		s.issue("0xSeller", "12345")
		s.NoError(s.store.Validate(context.Background(), "0xSeller", "12345"))
	})

	s.Run("wrong code returns mismatch", func() {
		s.issue("0xSeller", "12345")
		err := s.store.Validate(context.Background(), "0xSeller", "99999")
		s.ErrorIs(err, sentinel.ErrCodeMismatch)
	})

	s.Run("unknown subject returns not found", func() {
		err := s.store.Validate(context.Background(), "0xNobody", "12345")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("subject lookup ignores address casing", func() {
		s.issue("0xSellerMixedCase", "12345")
		s.NoError(s.store.Validate(context.Background(), "0XSELLERMIXEDCASE", "12345"))
	})
}

func (s *MemoryStoreSuite) TestExpiry() {
	s.issue("0xSeller", "12345")

	s.now = s.now.Add(TTL)
	s.NoError(s.store.Validate(context.Background(), "0xSeller", "12345"),
		"code is valid exactly at the TTL boundary")

	s.now = s.now.Add(time.Second)
	err := s.store.Validate(context.Background(), "0xSeller", "12345")
	s.ErrorIs(err, sentinel.ErrExpired)
}

func (s *MemoryStoreSuite) TestReissueInvalidatesPriorCode() {
	s.issue("0xSeller", "11111")
	s.issue("0xSeller", "22222")

	err := s.store.Validate(context.Background(), "0xSeller", "11111")
	s.ErrorIs(err, sentinel.ErrCodeMismatch, "first code must never validate after reissue")
	s.NoError(s.store.Validate(context.Background(), "0xSeller", "22222"))
}

func (s *MemoryStoreSuite) TestValidateDoesNotConsume() {
	s.issue("0xSeller", "12345")
	s.NoError(s.store.Validate(context.Background(), "0xSeller", "12345"))
	s.NoError(s.store.Validate(context.Background(), "0xSeller", "12345"))
}

func (s *MemoryStoreSuite) TestValidateAndConsume() {
	rec := s.issue("0xSeller", "12345")

	got, err := s.store.ValidateAndConsume(context.Background(), "0xSeller", "12345")
	s.Require().NoError(err)
	s.Equal(rec.Requirements, got.Requirements)

	_, err = s.store.ValidateAndConsume(context.Background(), "0xSeller", "12345")
	s.ErrorIs(err, sentinel.ErrNotFound, "consumed code is gone")
}

func (s *MemoryStoreSuite) TestConcurrentConsumeSpendsOnce() {
	s.issue("0xSeller", "12345")

	const attempts = 32
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.store.ValidateAndConsume(context.Background(), "0xSeller", "12345"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)
	s.Len(successes, 1, "exactly one concurrent submission may spend the code")
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("code %q has wrong length", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code %q contains non-digit", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("codes are not varying")
	}
}
