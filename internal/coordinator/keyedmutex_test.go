package coordinator

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	const workers = 20
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("order-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("Expected counter %d, got %d", workers, counter)
	}
	if len(km.locks) != 0 {
		t.Errorf("Expected lock table to be empty after release, got %d entries", len(km.locks))
	}
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("order-a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("order-b")
		unlockB()
		close(done)
	}()
	<-done // Would deadlock if order-b waited on order-a's lock.
	unlockA()
}

func TestKeyedMutexReusesKeyAfterRelease(t *testing.T) {
	km := newKeyedMutex()
	for i := 0; i < 3; i++ {
		unlock := km.Lock("order-1")
		unlock()
	}
	if len(km.locks) != 0 {
		t.Errorf("Expected empty lock table, got %d entries", len(km.locks))
	}
}
