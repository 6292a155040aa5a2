package tensor

import (
	"runtime"
	"sync"
)

const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16
)

type gemmTask struct {
	C, A, B     *Mat
	alpha, beta float32
	rs, re      int
	done        chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

var (
	gemmWorkPool *gemmPool
	gemmPoolOnce sync.Once
)

func getGemmPool() *gemmPool {
	gemmPoolOnce.Do(func() {
		gemmWorkPool = newGemmPool()
	})
	return gemmWorkPool
}

func newGemmPool() *gemmPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				gemmRangeRows(task.C, task.A, task.B, task.alpha, task.beta, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// GemmPar computes the matrix product C = alpha*A*B + beta*C using a
// blocked algorithm and parallelising across ranges of output rows.
// workers <= 0 uses GOMAXPROCS.
func GemmPar(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, C.R)
	if workers <= 1 {
		gemmRangeRows(C, A, B, alpha, beta, 0, C.R)
		return
	}
	pool := getGemmPool()
	workers = min(workers, pool.size)

	chunk := (C.R + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for w := range workers {
		rs := w * chunk
		re := min(rs+chunk, C.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- gemmTask{
			C:     C,
			A:     A,
			B:     B,
			alpha: alpha,
			beta:  beta,
			rs:    rs,
			re:    re,
			done:  done,
		}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

// gemmRangeRows performs a blocked GEMM on a contiguous range of rows of C.
// Each output element is accumulated into a local sum before it is combined
// with C, so alpha=-a exactly undoes alpha=a up to one rounding per element.
func gemmRangeRows(C, A, B *Mat, alpha, beta float32, rs, re int) {
	n := C.C
	k := A.C
	acc := make([]float32, defaultTileN)
	for i0 := rs; i0 < re; i0 += defaultTileM {
		iMax := min(i0+defaultTileM, re)
		for j0 := 0; j0 < n; j0 += defaultTileN {
			jMax := min(j0+defaultTileN, n)
			for i := i0; i < iMax; i++ {
				sums := acc[:jMax-j0]
				for j := range sums {
					sums[j] = 0
				}
				aRow := A.Data[i*A.Stride : i*A.Stride+k]
				for k0 := 0; k0 < k; k0 += defaultTileK {
					kMax := min(k0+defaultTileK, k)
					for kk := k0; kk < kMax; kk++ {
						a := aRow[kk]
						if a == 0 {
							continue
						}
						bRow := B.Data[kk*B.Stride+j0 : kk*B.Stride+jMax]
						for j, b := range bRow {
							sums[j] += a * b
						}
					}
				}
				cRow := C.Data[i*C.Stride+j0 : i*C.Stride+jMax]
				for j := range cRow {
					if beta == 0 {
						cRow[j] = alpha * sums[j]
					} else {
						cRow[j] = beta*cRow[j] + alpha*sums[j]
					}
				}
			}
		}
	}
}
