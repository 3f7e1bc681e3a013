// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset is a wrapper around a Dataset that prefetches batches in background goroutines,
// so the next batch is ready when the training step finishes.
// See details in CustomParallel.
type ParallelDataset struct {
	Dataset Dataset

	// parallelism is the number of goroutines started generating examples.
	parallelism int

	// extraBufferSize is the size of the cache of pre-generated batches.
	extraBufferSize int

	// impl is the actual implementation.
	impl *parallelDatasetImpl

	// keepAlive is used only to keep ParallelDataset alive in the middle of long calls.
	keepAlive int64
}

// parallelDatasetImpl separates the implementation of ParallelDataset. It's important
// that it doesn't point back to the original ParallelDataset, so garbage collecting
// will also stop the goroutines.
type parallelDatasetImpl struct {
	config ParallelDataset // A copy of the configuration.

	err      error
	muErr    sync.Mutex
	stopOnce sync.Once

	cache                                 chan Batch
	epochFinished, stopEpoch, stopDataset chan struct{}
}

// Parallel prefetches batches of any Dataset in a background goroutine.
//
// It uses CustomParallel with a parallelism of 1 (so the underlying dataset doesn't need to be
// thread-safe) and a buffer of 2 batches.
//
// To avoid leaking goroutines, call ParallelDataset.Cancel when exiting.
//
// Example:
//
//	ds := data.Parallel(data.NewInMemory("train", examples, 64))
//	defer ds.Cancel()
//	loop.RunEpochs(ctx, ds, 10)
func Parallel(ds Dataset) *ParallelDataset {
	return CustomParallel(ds).Parallelism(1).Buffer(2).Start()
}

// CustomParallel builds a ParallelDataset that can be used to parallelize any Dataset.
// If parallelism is larger than 1, the underlying dataset ds must be thread-safe, and the
// order of the batches is no longer preserved.
//
// ParallelDataset can be further configured (see Parallelism and Buffer),
// and then one has to call Start before actually using the Dataset.
//
// To avoid leaking goroutines, call ParallelDataset.Cancel when exiting.
func CustomParallel(ds Dataset) *ParallelDataset {
	pd := &ParallelDataset{
		Dataset: ds,
	}
	pd.Parallelism(0)
	return pd
}

// Parallelism is the number of goroutines to start, each calling `ds.Yield()` in parallel
// to accelerate the generation of batches. If set to 0 (the default), it will use the
// number of cores in the system plus 1.
//
// This must be called before a call to Start.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return nil
	}
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// Buffer reserved in the channel that collects the parallel yields.
//
// This must be called before a call to Start.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return nil
	}
	pd.extraBufferSize = n
	return pd
}

// Start indicates that the dataset is finished to be configured, and starts
// being a valid Dataset.
//
// After Start its configuration can no longer be changed.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once!?")
		return nil
	}
	impl := &parallelDatasetImpl{
		cache:       make(chan Batch, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
		config:      *pd, // Copy.
	}
	pd.impl = impl
	// If the ParallelDataset is garbage collected, stop all parallel goroutines.
	runtime.SetFinalizer(pd, func(pd *ParallelDataset) {
		if pd.impl != nil {
			pd.impl.stop(nil)
		}
	})

	// Start goroutines
	impl.startGoRoutines()
	return pd
}

// stop the dataset, recording err if it is the first one.
func (impl *parallelDatasetImpl) stop(err error) {
	impl.muErr.Lock()
	if impl.err == nil {
		impl.err = err
	}
	impl.muErr.Unlock()
	impl.stopOnce.Do(func() { close(impl.stopDataset) })
}

func (impl *parallelDatasetImpl) startGoRoutines() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	epochFinished, stopEpoch := impl.epochFinished, impl.stopEpoch
	var wg sync.WaitGroup
	for range impl.config.parallelism {
		// Start all goroutines.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
					// Move forward and generate the next batch.
				}
				batch, err := impl.config.Dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					klog.Errorf("ParallelDataset(%q): %+v", impl.config.Dataset.Name(), err)
					// Fatal error, stop everything.
					impl.stop(err)
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.cache <- batch:
					// Batch generated and cached, move to next.
					continue
				}
			}
		}()
	}

	// Start controller job.
	go func() {
		wg.Wait()
		close(epochFinished)
	}()
}

// Name implements Dataset.
func (pd *ParallelDataset) Name() string {
	return fmt.Sprintf("%s [Parallel]", pd.Dataset.Name())
}

// Reset implements Dataset. It stops the generation of batches of the current epoch, discards
// the prefetched ones and resets the underlying dataset.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Errorf("ParallelDataset.Reset was called before it was started with ParallelDataset.Start")
		return
	}
	select {
	case <-impl.stopDataset:
		// Return immediately, do nothing.
		return
	default:
	}
	close(impl.stopEpoch) // Indicate to goroutines to stop generating batches.
	for finished := false; !finished; {
		select {
		case <-impl.stopDataset:
			return
		case <-impl.cache:
			// Discard remaining entries in cache.
		case <-impl.epochFinished:
			finished = true
		}
	}
	for len(impl.cache) > 0 {
		<-impl.cache
	}

	// Reset underlying dataset and start again.
	impl.config.Dataset.Reset()
	impl.startGoRoutines()

	// This no-op prevents `pd` from being garbage collected and the goroutines killed in the middle
	// of the Reset operation. Leave this at the end.
	pd.keepAlive++
}

// Yield implements Dataset.
func (pd *ParallelDataset) Yield() (batch Batch, err error) {
	impl := pd.impl
	if impl == nil {
		err = errors.Errorf("ParallelDataset.Yield was called before it was started with ParallelDataset.Start")
		return
	}
	select {
	case <-impl.stopDataset:
		return nil, pd.stoppedErr()
	default:
	}
	select {
	case <-impl.stopDataset:
		return nil, pd.stoppedErr()
	case batch = <-impl.cache:
		// We got a new batch
	case <-impl.epochFinished:
		// No more records being produced (until Reset() is called), but we still need to exhaust the cache.
		select {
		case batch = <-impl.cache:
			// We got a new batch, simply continue.
		default:
			// Generation exhausted, and no more records in cache.
			err = io.EOF
			return
		}
	}

	// This no-op prevents `pd` from being garbage collected and the goroutines killed in the middle
	// of the Yield operation. Leave this at the end.
	pd.keepAlive++
	return
}

// stoppedErr returns the error that stopped the dataset.
func (pd *ParallelDataset) stoppedErr() error {
	impl := pd.impl
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	if impl.err != nil {
		return impl.err
	}
	return errors.Errorf("ParallelDataset(%q) was cancelled", pd.Dataset.Name())
}

// Cancel stops the background goroutines. Yield returns an error afterwards.
func (pd *ParallelDataset) Cancel() {
	if pd.impl != nil {
		pd.impl.stop(nil)
	}
}
