package ratelimit

import "testing"

func TestPerConnection_BurstThenLimit(t *testing.T) {
	l := NewPerConnection(10)

	// The full burst is available immediately
	for i := 0; i < 10; i++ {
		if !l.Allow("conn1") {
			t.Fatalf("message %d should be allowed within the burst", i)
		}
	}

	// The bucket is empty now; refill takes seconds
	if l.Allow("conn1") {
		t.Error("expected the bucket to be exhausted")
	}
}

func TestPerConnection_IsolatedPerConnection(t *testing.T) {
	l := NewPerConnection(5)

	for i := 0; i < 5; i++ {
		l.Allow("conn1")
	}
	if l.Allow("conn1") {
		t.Error("conn1 should be exhausted")
	}

	// A different connection has its own bucket
	if !l.Allow("conn2") {
		t.Error("conn2 should not be affected by conn1's bucket")
	}
}

func TestPerConnection_Forget(t *testing.T) {
	l := NewPerConnection(5)

	for i := 0; i < 5; i++ {
		l.Allow("conn1")
	}
	if l.Allow("conn1") {
		t.Error("conn1 should be exhausted")
	}

	// Forget drops the bucket; a fresh one has a full burst again
	l.Forget("conn1")
	if !l.Allow("conn1") {
		t.Error("expected a fresh bucket after Forget")
	}
}

func TestPerConnection_InvalidRateFallsBack(t *testing.T) {
	l := NewPerConnection(0)
	if !l.Allow("conn1") {
		t.Error("expected the default rate to allow messages")
	}
}

func TestUnlimited(t *testing.T) {
	var l Unlimited
	for i := 0; i < 1000; i++ {
		if !l.Allow("conn1") {
			t.Fatal("Unlimited should always allow")
		}
	}
	l.Forget("conn1")
}
