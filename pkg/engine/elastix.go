package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"volregister/internal/models"
)

// ElastixEngine drives external elastix and transformix binaries. Volumes
// are exchanged as MetaImage files and transforms as elastix parameter-map
// text files, carried verbatim in TransformParams.Raw.
type ElastixEngine struct {
	// ElastixPath and TransformixPath locate the binaries; bare names are
	// resolved on PATH.
	ElastixPath     string
	TransformixPath string

	// WorkDir holds the per-call scratch directories. Empty means the
	// system temp dir.
	WorkDir string
}

// NewElastixEngine returns an engine using the elastix and transformix
// binaries found on PATH.
func NewElastixEngine(workDir string) *ElastixEngine {
	return &ElastixEngine{
		ElastixPath:     "elastix",
		TransformixPath: "transformix",
		WorkDir:         workDir,
	}
}

// Register runs one elastix pass. When the template requests an inverse,
// the pair is registered a second time with fixed and moving swapped, so the
// reverse-direction parameter file is available for inverse composition.
// The call blocks until elastix exits; callers that need a deadline wrap
// the call themselves.
func (e *ElastixEngine) Register(fixed, moving *models.Volume, template Template, initial *TransformParams) (*TransformParams, error) {
	var seed []byte
	if initial != nil {
		seed = initial.Raw
	}
	raw, log, err := e.registerPair(fixed, moving, template, seed)
	if err != nil {
		return nil, err
	}

	p := &TransformParams{
		Kind:       template.Kind,
		Size:       fixed.Size(),
		Resolution: fixed.Resolution,
		Raw:        raw,
		Log:        log,
	}

	if template.WithInverse {
		// The reverse run is seeded with the previous pass's reverse
		// transform so both directions stage the same way.
		var reverseSeed []byte
		if initial != nil {
			reverseSeed = initial.InverseRaw
		}
		invRaw, invLog, err := e.registerPair(moving, fixed, template, reverseSeed)
		if err != nil {
			return nil, fmt.Errorf("reverse-direction registration: %w", err)
		}
		p.InverseRaw = invRaw
		p.Invertible = true
		p.Log = append(p.Log, invLog...)
	}
	return p, nil
}

// registerPair runs elastix once for one fixed/moving ordering and returns
// the produced parameter file with the optimisation log tail.
func (e *ElastixEngine) registerPair(fixed, moving *models.Volume, template Template, seed []byte) ([]byte, []string, error) {
	dir, err := os.MkdirTemp(e.WorkDir, "elastix-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	fixedPath := filepath.Join(dir, "fixed.mhd")
	movingPath := filepath.Join(dir, "moving.mhd")
	if err := WriteMetaImage(fixedPath, fixed); err != nil {
		return nil, nil, err
	}
	if err := WriteMetaImage(movingPath, moving); err != nil {
		return nil, nil, err
	}

	paramPath := filepath.Join(dir, "params.txt")
	if err := os.WriteFile(paramPath, []byte(elastixParamFile(template)), 0644); err != nil {
		return nil, nil, fmt.Errorf("failed to write parameter file: %w", err)
	}

	args := []string{
		"-f", fixedPath,
		"-m", movingPath,
		"-p", paramPath,
		"-out", dir,
	}
	if len(seed) > 0 {
		initPath := filepath.Join(dir, "initial.txt")
		if err := os.WriteFile(initPath, seed, 0644); err != nil {
			return nil, nil, fmt.Errorf("failed to write initial transform: %w", err)
		}
		args = append(args, "-t0", initPath)
	}

	cmd := exec.Command(e.ElastixPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, nil, fmt.Errorf("elastix failed: %w\n%s", err, tail(out, 20))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "TransformParameters.0.txt"))
	if err != nil {
		return nil, nil, fmt.Errorf("elastix produced no transform: %w", err)
	}
	return raw, strings.Split(tail(out, 40), "\n"), nil
}

// Resample runs transformix over the parameter file carried in params.Raw.
// Nearest-neighbour interpolation is requested by forcing the final
// interpolation order to zero, the treatment label images require.
func (e *ElastixEngine) Resample(img *models.Volume, params *TransformParams, interp Interpolation) (*models.Volume, error) {
	if len(params.Raw) == 0 {
		return nil, fmt.Errorf("transform carries no elastix parameter file")
	}

	dir, err := os.MkdirTemp(e.WorkDir, "transformix-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	imgPath := filepath.Join(dir, "input.mhd")
	if err := WriteMetaImage(imgPath, img); err != nil {
		return nil, err
	}

	raw := params.Raw
	if interp == Nearest {
		raw = setFinalInterpolationOrder(raw, 0)
	}
	tpPath := filepath.Join(dir, "transform.txt")
	if err := os.WriteFile(tpPath, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to write transform file: %w", err)
	}

	cmd := exec.Command(e.TransformixPath, "-in", imgPath, "-tp", tpPath, "-out", dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("transformix failed: %w\n%s", err, tail(out, 20))
	}

	result, err := ReadMetaImage(filepath.Join(dir, "result.mhd"))
	if err != nil {
		return nil, fmt.Errorf("transformix produced no result: %w", err)
	}
	return result, nil
}

var interpOrderRe = regexp.MustCompile(`\(FinalBSplineInterpolationOrder \d+\)`)

// setFinalInterpolationOrder rewrites the final interpolation order in an
// elastix parameter file, appending the setting if absent.
func setFinalInterpolationOrder(raw []byte, order int) []byte {
	repl := fmt.Sprintf("(FinalBSplineInterpolationOrder %d)", order)
	if interpOrderRe.Match(raw) {
		return interpOrderRe.ReplaceAll(raw, []byte(repl))
	}
	return append(append([]byte{}, raw...), []byte("\n"+repl+"\n")...)
}

// elastixParamFile renders a minimal parameter file for one pass of the
// given template.
func elastixParamFile(t Template) string {
	var b strings.Builder
	write := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	write("(FixedInternalImagePixelType \"float\")")
	write("(MovingInternalImagePixelType \"float\")")
	write("(Registration \"MultiResolutionRegistration\")")
	write("(Metric \"AdvancedMattesMutualInformation\")")
	write("(Optimizer \"AdaptiveStochasticGradientDescent\")")
	write("(NumberOfResolutions 4)")
	write("(MaximumNumberOfIterations %d)", t.MaxIterations)
	write("(ResultImageFormat \"mhd\")")
	write("(ResultImagePixelType \"double\")")

	switch t.Kind {
	case KindBSpline:
		write("(Transform \"BSplineTransform\")")
		write("(FinalGridSpacingInPhysicalUnits %g)", t.GridSpacing)
	default:
		write("(Transform \"AffineTransform\")")
		write("(AutomaticTransformInitialization \"true\")")
	}
	return b.String()
}

// tail returns the last n lines of command output for error context.
func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
