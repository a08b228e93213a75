package journal

import (
	"context"
	"testing"
	"time"
)

func TestAcquire_FreshLease(t *testing.T) {
	s := createTestStore(t)

	ok, err := s.Acquire(context.Background(), "case-1", "worker-1", time.Minute, testTime)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !ok {
		t.Error("Acquire() on unleased case = false, want true")
	}
}

func TestAcquire_HeldByOtherOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "case-1", "worker-1", time.Minute, testTime); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	ok, err := s.Acquire(ctx, "case-1", "worker-2", time.Minute, testTime.Add(time.Second))
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if ok {
		t.Error("Acquire() on live lease held by another owner = true, want false")
	}
}

func TestAcquire_SameOwnerRenews(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "case-1", "worker-1", time.Minute, testTime); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	ok, err := s.Acquire(ctx, "case-1", "worker-1", time.Minute, testTime.Add(30*time.Second))
	if err != nil {
		t.Fatalf("renewing Acquire() failed: %v", err)
	}
	if !ok {
		t.Error("Acquire() by holding owner = false, want true")
	}

	// The renewal pushed expiry past the original deadline.
	ok, err = s.Acquire(ctx, "case-1", "worker-2", time.Minute, testTime.Add(70*time.Second))
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if ok {
		t.Error("renewed lease should still block other owners before new expiry")
	}
}

func TestAcquire_ExpiredLeaseIsReclaimable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "case-1", "worker-1", time.Minute, testTime); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	ok, err := s.Acquire(ctx, "case-1", "worker-2", time.Minute, testTime.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !ok {
		t.Error("Acquire() on expired lease = false, want true")
	}
}

func TestRelease_FreesLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "case-1", "worker-1", time.Minute, testTime); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if err := s.Release(ctx, "case-1", "worker-1"); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	ok, err := s.Acquire(ctx, "case-1", "worker-2", time.Minute, testTime.Add(time.Second))
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !ok {
		t.Error("Acquire() after Release() = false, want true")
	}
}

func TestRelease_OtherOwnerIsNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "case-1", "worker-1", time.Minute, testTime); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if err := s.Release(ctx, "case-1", "worker-2"); err != nil {
		t.Fatalf("Release() by non-holder failed: %v", err)
	}

	ok, err := s.Acquire(ctx, "case-1", "worker-3", time.Minute, testTime.Add(time.Second))
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if ok {
		t.Error("lease survived a non-holder Release(), Acquire() should fail")
	}
}
