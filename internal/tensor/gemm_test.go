package tensor

import (
	"math"
	"testing"
)

func gemmNaive(C, A, B *Mat) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			C.Row(i)[j] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmParMatchesNaive(t *testing.T) {
	t.Parallel()

	A := NewMat(50, 70)
	B := NewMat(70, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	FillRand(&A, 1)
	FillRand(&B, 2)

	gemmNaive(&C0, &A, &B)
	GemmPar(&C1, &A, &B, 1, 0, 4)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-6 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmParAccumulates(t *testing.T) {
	t.Parallel()

	A := NewMat(8, 4)
	B := NewMat(4, 16)
	FillRand(&A, 5)
	FillRand(&B, 6)

	base := NewMat(8, 16)
	FillRand(&base, 7)
	C := base.Clone()

	GemmPar(&C, &A, &B, 0.5, 1, 0)
	GemmPar(&C, &A, &B, -0.5, 1, 0)

	if maxAbs := maxAbsDiff(base.Data, C.Data); maxAbs > 1e-6 {
		t.Fatalf("add then subtract drifted by %g", maxAbs)
	}
}

func TestGemmParPanicsOnMismatch(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	A := NewMat(2, 3)
	B := NewMat(4, 2)
	C := NewMat(2, 2)
	GemmPar(&C, &A, &B, 1, 0, 1)
}

func BenchmarkGemmPar(b *testing.B) {
	A := NewMat(256, 256)
	B := NewMat(256, 256)
	C := NewMat(256, 256)
	FillRand(&A, 1)
	FillRand(&B, 2)

	for b.Loop() {
		GemmPar(&C, &A, &B, 1, 0, 0)
	}
}
