package verify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fxnlabs/dpuvec/internal/kernel"
	"github.com/fxnlabs/dpuvec/internal/runtime"
	"github.com/fxnlabs/dpuvec/internal/vector"
	"go.uber.org/zap"
)

// DefaultElements is the vector length used by each self-test case.
const DefaultElements = 1 << 20

// CaseFunc runs one self-test against rt with vectors of n elements.
type CaseFunc func(ctx context.Context, rt *runtime.Context, n int, rng *rand.Rand) (Report, error)

type Case struct {
	Name string
	Run  CaseFunc
}

// Cases returns the self-test suite: every catalog kernel followed by a
// chained expression.
func Cases() []Case {
	smallInt := func(r *rand.Rand) int32 { return r.Int31n(100) }
	signedInt := func(r *rand.Rand) int32 { return r.Int31n(200) - 100 }
	unitFloat := func(r *rand.Rand) float32 { return r.Float32() }
	centeredFloat := func(r *rand.Rand) float32 { return r.Float32() - 0.5 }

	return []Case{
		{Name: "int_add", Run: binaryCase(kernel.OpAdd, smallInt)},
		{Name: "int_sub", Run: binaryCase(kernel.OpSub, smallInt)},
		{Name: "float_add", Run: binaryCase(kernel.OpAdd, unitFloat)},
		{Name: "float_sub", Run: binaryCase(kernel.OpSub, unitFloat)},
		{Name: "int_negate", Run: unaryCase(kernel.OpNegate, signedInt)},
		{Name: "int_abs", Run: unaryCase(kernel.OpAbs, signedInt)},
		{Name: "float_negate", Run: unaryCase(kernel.OpNegate, centeredFloat)},
		{Name: "float_abs", Run: unaryCase(kernel.OpAbs, centeredFloat)},
		{Name: "chained_operations", Run: chainedCase(signedInt)},
	}
}

func generate[T vector.Element](n int, rng *rand.Rand, gen func(*rand.Rand) T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = gen(rng)
	}
	return out
}

func binaryCase[T vector.Element](op kernel.Op, gen func(*rand.Rand) T) CaseFunc {
	return func(ctx context.Context, rt *runtime.Context, n int, rng *rand.Rand) (Report, error) {
		a, b := generate(n, rng, gen), generate(n, rng, gen)

		da, err := vector.FromHost(ctx, rt, a, "a")
		if err != nil {
			return Report{}, err
		}
		defer da.Free()
		db, err := vector.FromHost(ctx, rt, b, "b")
		if err != nil {
			return Report{}, err
		}
		defer db.Free()

		res, err := vector.Launch(ctx, op, da, db)
		if err != nil {
			return Report{}, err
		}
		defer res.Free()

		return check(ctx, res, op, a, b)
	}
}

func unaryCase[T vector.Element](op kernel.Op, gen func(*rand.Rand) T) CaseFunc {
	return func(ctx context.Context, rt *runtime.Context, n int, rng *rand.Rand) (Report, error) {
		a := generate(n, rng, gen)

		da, err := vector.FromHost(ctx, rt, a, "a")
		if err != nil {
			return Report{}, err
		}
		defer da.Free()

		res, err := vector.Launch(ctx, op, da)
		if err != nil {
			return Report{}, err
		}
		defer res.Free()

		return check(ctx, res, op, a)
	}
}

func check[T vector.Element](ctx context.Context, res *vector.Vector[T], op kernel.Op, operands ...[]T) (Report, error) {
	got, err := res.ToHost(ctx)
	if err != nil {
		return Report{}, err
	}
	want, err := Expected(op, operands...)
	if err != nil {
		return Report{}, err
	}
	return Compare(got, want, 0), nil
}

// chainedCase evaluates abs(-((a+b)-a)) on the device.
func chainedCase(gen func(*rand.Rand) int32) CaseFunc {
	return func(ctx context.Context, rt *runtime.Context, n int, rng *rand.Rand) (Report, error) {
		a, b := generate(n, rng, gen), generate(n, rng, gen)

		da, err := vector.FromHost(ctx, rt, a, "a")
		if err != nil {
			return Report{}, err
		}
		defer da.Free()
		db, err := vector.FromHost(ctx, rt, b, "b")
		if err != nil {
			return Report{}, err
		}
		defer db.Free()

		var steps []*vector.Vector[int32]
		defer func() {
			for _, v := range steps {
				_ = v.Free()
			}
		}()
		step := func(v *vector.Vector[int32], err error) (*vector.Vector[int32], error) {
			if err == nil {
				steps = append(steps, v)
			}
			return v, err
		}

		sum, err := step(da.Add(ctx, db))
		if err != nil {
			return Report{}, err
		}
		diff, err := step(sum.Sub(ctx, da))
		if err != nil {
			return Report{}, err
		}
		neg, err := step(diff.Negate(ctx))
		if err != nil {
			return Report{}, err
		}
		res, err := step(neg.Abs(ctx))
		if err != nil {
			return Report{}, err
		}
		got, err := res.ToHost(ctx)
		if err != nil {
			return Report{}, err
		}

		want, err := Expected(kernel.OpAdd, a, b)
		if err == nil {
			want, err = Expected(kernel.OpSub, want, a)
		}
		if err == nil {
			want, err = Expected(kernel.OpNegate, want)
		}
		if err == nil {
			want, err = Expected(kernel.OpAbs, want)
		}
		if err != nil {
			return Report{}, err
		}
		return Compare(got, want, 0), nil
	}
}

// Result is the outcome of one case.
type Result struct {
	Name     string
	Report   Report
	Duration time.Duration
	Err      error
}

func (r Result) Passed() bool {
	return r.Err == nil && r.Report.OK()
}

type SuiteOptions struct {
	Elements int
	Seed     int64
	// Only restricts the run to the named cases when non-empty.
	Only []string
}

// ErrSuiteFailed is returned by RunSuite when any case fails.
var ErrSuiteFailed = errors.New("self-test failed")

// RunSuite runs the self-test cases in order against rt. Every case runs
// even if an earlier one failed.
func RunSuite(ctx context.Context, rt *runtime.Context, opts SuiteOptions, logger *zap.Logger) ([]Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Elements <= 0 {
		opts.Elements = DefaultElements
	}
	cases, err := selectCases(opts.Only)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var results []Result
	failed := 0
	for _, c := range cases {
		start := time.Now()
		report, err := c.Run(ctx, rt, opts.Elements, rng)
		res := Result{Name: c.Name, Report: report, Duration: time.Since(start), Err: err}
		results = append(results, res)

		fields := []zap.Field{
			zap.String("case", c.Name),
			zap.Int("elements", opts.Elements),
			zap.Duration("duration", res.Duration),
		}
		switch {
		case err != nil:
			failed++
			logger.Error("Self-test case errored", append(fields, zap.Error(err))...)
		case !report.OK():
			failed++
			logger.Error("Self-test case mismatched", append(fields,
				zap.Int("mismatches", report.Mismatches),
				zap.Int("first_mismatch", report.FirstMismatch),
				zap.Float64("max_abs_error", report.MaxAbsError))...)
		default:
			logger.Info("Self-test case passed", append(fields,
				zap.Float64("checksum", report.Checksum),
				zap.String("digest", report.Digest))...)
		}
	}

	if failed > 0 {
		return results, fmt.Errorf("%d of %d cases: %w", failed, len(results), ErrSuiteFailed)
	}
	return results, nil
}

func selectCases(only []string) ([]Case, error) {
	all := Cases()
	if len(only) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(only))
	for _, name := range only {
		want[name] = true
	}

	var cases []Case
	for _, c := range all {
		if want[c.Name] {
			cases = append(cases, c)
			delete(want, c.Name)
		}
	}
	for name := range want {
		return nil, fmt.Errorf("unknown self-test case %q", name)
	}
	return cases, nil
}
