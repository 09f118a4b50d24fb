package core

import "sync"

// Invoker spawns and tracks goroutines behind a narrow interface, so a
// test can swap in a tracking implementation and await every spawned
// goroutine's completion instead of guessing with a sleep.
type Invoker interface {
	Spawn(f func())
	Wait()
}

type waitGroupInvoker struct {
	group sync.WaitGroup
}

// NewInvoker builds an Invoker backed by a sync.WaitGroup.
func NewInvoker() Invoker {
	return &waitGroupInvoker{}
}

func (i *waitGroupInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *waitGroupInvoker) Wait() {
	i.group.Wait()
}
