package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// DefaultParallel is the worker count ArchiveAll uses when given zero.
const DefaultParallel = 4

// ArchiveAll archives files with up to parallel workers. Results are in the
// order of files; a failed file leaves a nil entry. The first error is
// returned after every worker stops. The files should already be fetched.
func (s *Sink) ArchiveAll(ctx context.Context, files []*clarity.File, parallel int) ([]*Result, error) {
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	if len(files) < parallel {
		parallel = len(files)
	}

	work := make(chan int, len(files))
	for i := range files {
		work <- i
	}
	close(work)

	results := make([]*Result, len(files))
	errs := make(chan error, len(files))
	var wg sync.WaitGroup

	for w := 0; w < parallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				default:
				}

				res, err := s.ArchiveFile(ctx, files[i])
				if err != nil {
					errs <- fmt.Errorf("file %s: %w", files[i].LimsID(), err)
					continue
				}
				results[i] = res
			}
		}()
	}

	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	return results, first
}
