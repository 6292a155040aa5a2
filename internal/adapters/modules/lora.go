package modules

import (
	"errors"
	"fmt"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// LoRA holds the low-rank factors for one projection. In add mode the
// update is scaling * B A x; in scale mode (r = 1) the projection output is
// multiplied element-wise by scaling * B[:, 0].
type LoRA struct {
	Name    string
	Config  *config.LoRA
	Scaling float32

	A    tensor.Mat // [r x in], unused in scale mode
	B    tensor.Mat // [out x r]
	Gate *nn.Linear
}

func NewLoRA(name, path string, cfg *config.LoRA, in, out int) *LoRA {
	l := &LoRA{
		Name:    name,
		Config:  cfg,
		Scaling: cfg.Scaling(),
		B:       tensor.NewMat(out, cfg.R),
	}
	if !cfg.ScaleMode() {
		l.A = tensor.NewMat(cfg.R, in)
	}
	switch cfg.InitWeights {
	case "bert":
		tensor.FillNormal(&l.A, BERTInitStd, Seed(name, path+".lora_A"))
		tensor.FillNormal(&l.B, BERTInitStd, Seed(name, path+".lora_B"))
	case "ia3":
		l.A.Fill(1)
		l.B.Fill(1)
	default:
		tensor.FillKaimingUniform(&l.A, Seed(name, path+".lora_A"))
	}
	if cfg.UseGating {
		l.Gate = nn.NewLinear(in, 1, true)
		initBERT(l.Gate, name, path+".gate")
	}
	return l
}

func (l *LoRA) Params(prefix string, dst map[string]nn.Param) {
	if l.A.R > 0 {
		dst[prefix+".lora_A"] = nn.Param{Shape: l.A.Shape(), Data: l.A.Data}
	}
	dst[prefix+".lora_B"] = nn.Param{Shape: l.B.Shape(), Data: l.B.Data}
	if l.Gate != nil {
		l.Gate.Params(prefix+".gate", dst)
	}
}

// Apply updates out, the base projection of x, in place and returns the
// per-item gate when gating is enabled.
func (l *LoRA) Apply(out, x tensor.Batch) []float32 {
	var gate []float32
	if l.Gate != nil {
		gate = meanGate(l.Gate, x)
	}
	if l.Config.ScaleMode() {
		for b := 0; b < out.B; b++ {
			g := float32(1)
			if gate != nil {
				g = gate[b]
			}
			for t := 0; t < out.T; t++ {
				row := out.Row(b, t)
				for j := range row {
					row[j] *= l.Scaling * g * l.B.Data[j*l.B.Stride]
				}
			}
		}
		return gate
	}
	delta := tensor.Project(tensor.Project(x, &l.A, nil), &l.B, nil)
	if gate != nil {
		scaleSeqs(delta, gate)
	}
	tensor.Axpy(out.Data, l.Scaling, delta.Data)
	return gate
}

// ErrGatedMerge is returned when merging a LoRA whose output depends on
// its input through a gate.
var ErrGatedMerge = errors.New("gated LoRA cannot be merged")

// Merge folds the update into a dense weight and bias.
func (l *LoRA) Merge(w *tensor.Mat, bias []float32) error {
	if l.Gate != nil {
		return fmt.Errorf("lora %q: %w", l.Name, ErrGatedMerge)
	}
	if w.R != l.B.R {
		return fmt.Errorf("lora %q: weight has %d rows, factors %d", l.Name, w.R, l.B.R)
	}
	if !l.Config.ScaleMode() {
		if w.C != l.A.C {
			return fmt.Errorf("lora %q: weight has %d columns, factors %d", l.Name, w.C, l.A.C)
		}
		tensor.GemmPar(w, &l.B, &l.A, l.Scaling, 1, 0)
		return nil
	}
	for j := 0; j < w.R; j++ {
		if l.Scaling*l.B.Data[j*l.B.Stride] == 0 {
			return fmt.Errorf("lora %q: row %d would be scaled by zero and could not be restored", l.Name, j)
		}
	}
	for j := 0; j < w.R; j++ {
		f := l.Scaling * l.B.Data[j*l.B.Stride]
		tensor.Scale(w.Row(j), f)
		if bias != nil {
			bias[j] *= f
		}
	}
	return nil
}

// Unmerge reverses Merge.
func (l *LoRA) Unmerge(w *tensor.Mat, bias []float32) {
	if !l.Config.ScaleMode() {
		tensor.GemmPar(w, &l.B, &l.A, -l.Scaling, 1, 0)
		return
	}
	for j := 0; j < w.R; j++ {
		f := 1 / (l.Scaling * l.B.Data[j*l.B.Stride])
		tensor.Scale(w.Row(j), f)
		if bias != nil {
			bias[j] *= f
		}
	}
}
