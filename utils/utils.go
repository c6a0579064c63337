package utils

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	_ "image/jpeg"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"photostereo"
)

var supportedExtensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp"}

func isSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return slices.Contains(supportedExtensions, ext)
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// isAmbientStem reports whether a file stem names the always-on ambient
// capture. The historical capture convention spells it "ambiant"; both
// spellings are accepted, case-insensitively.
func isAmbientStem(stem string) bool {
	s := strings.ToLower(stem)
	return strings.Contains(s, "ambiant") || strings.Contains(s, "ambient")
}

// ReadImage decodes an image file into a 3-channel floating-point buffer,
// channel values in [0,1], with no color-space conversion.
func ReadImage(path string) (*photostereo.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := photostereo.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Set(x, y, 0, float64(r)/65535.0)
			out.Set(x, y, 1, float64(g)/65535.0)
			out.Set(x, y, 2, float64(bl)/65535.0)
		}
	}
	return out, nil
}

// LoadMask loads a single-channel mask from a path. A missing file is the
// "no mask" case, not an error: it returns a nil mask meaning every pixel
// is selected.
func LoadMask(path string) (*photostereo.Mask, error) {
	if _, err := os.Stat(path); err != nil {
		log.Printf("photometric notice: mask %s not found, every pixel will be used", path)
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mask %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode mask %s: %w", path, err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := photostereo.NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(bl)) / 65535.0
			mask.Set(x, y, lum)
		}
	}
	return mask, nil
}

// ListImages returns the capture files of a directory in lexicographic
// order, skipping masks and ambient frames.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan pictures in %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isSupportedImage(e.Name()) {
			continue
		}
		stem := stemOf(e.Name())
		if isAmbientStem(stem) || strings.Contains(strings.ToLower(stem), "mask") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

// FindAmbient returns the path of the ambient-reference frame in a capture
// directory, or "" when none exists. With several candidates the
// lexicographically last one wins, matching the historical behavior.
func FindAmbient(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSupportedImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	found := ""
	for _, name := range names {
		if isAmbientStem(stemOf(name)) {
			found = filepath.Join(dir, name)
		}
	}
	return found
}

// readFloatLines parses a whitespace-separated numeric text file, one
// record per non-blank line, requiring at least want values per line.
func readFloatLines(path string, want int) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var rows [][]float64
	for lineNo, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < want {
			return nil, fmt.Errorf("%s:%d: want %d values, got %d", path, lineNo+1, want, len(fields))
		}
		vals := make([]float64, want)
		for i := 0; i < want; i++ {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo+1, err)
			}
			vals[i] = v
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// readConversionMatrix reads an optional 3×3 basis-change matrix. The
// second return is false when the file does not exist.
func readConversionMatrix(path string) ([3][3]float64, bool, error) {
	var m [3][3]float64
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, false, nil
		}
		return m, false, fmt.Errorf("read %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 9 {
		return m, false, fmt.Errorf("%s: want 9 values, got %d", path, len(fields))
	}
	for i := 0; i < 9; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return m, false, fmt.Errorf("%s: %w", path, err)
		}
		m[i/3][i%3] = v
	}
	return m, true, nil
}

// LoadLightsDir builds a light model from a directory of plain-text files:
// light_intensities.txt (one "r g b" line per image) and either
// light_directions.txt (hsOrder 0, with an optional convertionMatrix.txt
// basis change) or light_directions_HS.txt (hsOrder 2, nine terms per line
// with the y/z sign convention flipped). When the intensities file is
// absent, per-image intensities are estimated from each capture's dominant
// color instead of failing.
func LoadLightsDir(dir string, hsOrder int, imagePaths []string) (*photostereo.LightModel, error) {
	dim := photostereo.DimDirectional
	switch hsOrder {
	case 0:
	case 2:
		dim = photostereo.DimHarmonics
	default:
		return nil, fmt.Errorf("unsupported spherical-harmonics order %d", hsOrder)
	}

	var intensities [][3]float64
	intPath := filepath.Join(dir, "light_intensities.txt")
	if _, err := os.Stat(intPath); err == nil {
		rows, err := readFloatLines(intPath, 3)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			intensities = append(intensities, [3]float64{r[0], r[1], r[2]})
		}
	} else {
		log.Printf("photometric notice: %s not found, estimating intensities from dominant capture colors", intPath)
		est, err := EstimateIntensities(imagePaths)
		if err != nil {
			return nil, err
		}
		intensities = est
	}

	var directions [][]float64
	if dim == photostereo.DimDirectional {
		conv, hasConv, err := readConversionMatrix(filepath.Join(dir, "convertionMatrix.txt"))
		if err != nil {
			return nil, err
		}
		rows, err := readFloatLines(filepath.Join(dir, "light_directions.txt"), 3)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			d := []float64{r[0], r[1], r[2]}
			if hasConv {
				d = []float64{
					conv[0][0]*r[0] + conv[0][1]*r[1] + conv[0][2]*r[2],
					conv[1][0]*r[0] + conv[1][1]*r[1] + conv[1][2]*r[2],
					conv[2][0]*r[0] + conv[2][1]*r[1] + conv[2][2]*r[2],
				}
			}
			directions = append(directions, d)
		}
	} else {
		rows, err := readFloatLines(filepath.Join(dir, "light_directions_HS.txt"), 9)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			d := slices.Clone(r)
			d[1] = -d[1]
			d[2] = -d[2]
			directions = append(directions, d)
		}
	}

	// Trailing file lines beyond the capture count are ignored, as the
	// historical loaders did.
	if len(imagePaths) > 0 && len(directions) > len(imagePaths) {
		directions = directions[:len(imagePaths)]
	}
	if len(imagePaths) > 0 && len(intensities) > len(imagePaths) {
		intensities = intensities[:len(imagePaths)]
	}
	if len(directions) != len(intensities) {
		return nil, fmt.Errorf("light data in %s: %d directions but %d intensities", dir, len(directions), len(intensities))
	}

	model, err := photostereo.NewLightModel(dim)
	if err != nil {
		return nil, err
	}
	for i := range directions {
		if err := model.Append(directions[i], intensities[i]); err != nil {
			return nil, err
		}
	}
	return model, nil
}

type namedLight struct {
	name      string
	intensity [3]float64
	direction [3]float64
}

// parseLightsJSON walks the JSON token stream so the "lights" object keeps
// its file order, which the fuzzy image matching depends on.
func parseLightsJSON(r io.Reader) ([]namedLight, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, fmt.Errorf("light document must be a JSON object, got %v", tok)
	}

	var out []namedLight
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "lights" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if tok != json.Delim('{') {
			return nil, fmt.Errorf(`"lights" must be a JSON object, got %v`, tok)
		}
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := nameTok.(string)
			var body struct {
				Intensity []float64 `json:"intensity"`
				Direction []float64 `json:"direction"`
			}
			if err := dec.Decode(&body); err != nil {
				return nil, fmt.Errorf("light %q: %w", name, err)
			}
			if len(body.Intensity) != 3 || len(body.Direction) != 3 {
				return nil, fmt.Errorf("light %q: intensity and direction must have 3 components", name)
			}
			out = append(out, namedLight{
				name:      name,
				intensity: [3]float64{body.Intensity[0], body.Intensity[1], body.Intensity[2]},
				direction: [3]float64{body.Direction[0], body.Direction[1], body.Direction[2]},
			})
		}
		if _, err := dec.Token(); err != nil { // closing brace of "lights"
			return nil, err
		}
	}
	return out, nil
}

// LoadLightsJSON builds a light model from a JSON document mapping light
// names to {intensity, direction}, matched against the image file stems by
// case-insensitive substring. Lights are tried in file order and every
// match contributes a sample, so an ambiguous stem silently picks up more
// than one light; this mirrors the historical behavior and is deliberate.
func LoadLightsJSON(path string, imagePaths []string) (*photostereo.LightModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open light data %s: %w", path, err)
	}
	defer f.Close()

	lights, err := parseLightsJSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse light data %s: %w", path, err)
	}

	model, err := photostereo.NewLightModel(photostereo.DimDirectional)
	if err != nil {
		return nil, err
	}
	for _, imgPath := range imagePaths {
		stem := strings.ToLower(stemOf(imgPath))
		for _, l := range lights {
			if strings.Contains(stem, strings.ToLower(l.name)) {
				if err := model.Append(slices.Clone(l.direction[:]), l.intensity); err != nil {
					return nil, err
				}
			}
		}
	}
	return model, nil
}

// EstimateIntensities derives a per-image light color from each capture's
// dominant color, scaled so the strongest channel is 1. A fallback for
// capture sets that ship no measured intensities.
func EstimateIntensities(imagePaths []string) ([][3]float64, error) {
	out := make([][3]float64, 0, len(imagePaths))
	for _, path := range imagePaths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open image %s: %w", path, err)
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode image %s: %w", path, err)
		}

		col, ok := colorful.MakeColor(dominantcolor.Find(img))
		if !ok {
			out = append(out, [3]float64{1, 1, 1})
			continue
		}
		r, g, b := col.LinearRgb()
		maxC := max(r, g, b)
		if maxC <= 0 {
			out = append(out, [3]float64{1, 1, 1})
			continue
		}
		// Floor away zero channels so the per-channel divide stays finite.
		out = append(out, [3]float64{
			max(r/maxC, 1e-3),
			max(g/maxC, 1e-3),
			max(b/maxC, 1e-3),
		})
	}
	return out, nil
}

// AutoMask builds a foreground mask from the luminance distribution of the
// image stack: per-pixel mean luminance is clustered into two groups and
// the brighter group becomes the selection. All images must share
// dimensions; a degenerate stack yields nil (no mask).
func AutoMask(images []*photostereo.Image) *photostereo.Mask {
	if len(images) == 0 {
		return nil
	}
	w, h := images[0].W, images[0].H
	for _, im := range images {
		if im.W != w || im.H != h {
			log.Println("photometric warning: auto-mask skipped, image stack has mixed dimensions")
			return nil
		}
	}

	lum := make([]float64, w*h)
	for _, im := range images {
		for i := 0; i < w*h; i++ {
			off := 3 * i
			lum[i] += 0.2126*im.Pix[off] + 0.7152*im.Pix[off+1] + 0.0722*im.Pix[off+2]
		}
	}
	inv := 1.0 / float64(len(images))
	for i := range lum {
		lum[i] *= inv
	}

	// Subsample to keep kmeans tractable on large stacks.
	maxSamples := 12000
	step := 1
	if len(lum) > maxSamples {
		step = len(lum)/maxSamples + 1
	}
	dataset := make(clusters.Observations, 0, min(len(lum), maxSamples))
	for i := 0; i < len(lum); i += step {
		dataset = append(dataset, clusters.Coordinates{lum[i]})
	}

	threshold := 0.0
	km := kmeans.New()
	cc, err := km.Partition(dataset, 2)
	if err != nil || len(cc) < 2 || len(cc[0].Center) < 1 || len(cc[1].Center) < 1 {
		sum := 0.0
		for _, v := range lum {
			sum += v
		}
		threshold = sum / float64(len(lum))
		log.Println("photometric warning: auto-mask clustering failed, falling back to mean-luminance threshold")
	} else {
		threshold = (cc[0].Center[0] + cc[1].Center[0]) / 2
	}

	mask := photostereo.NewMask(w, h)
	for i, v := range lum {
		if v > threshold {
			mask.Pix[i] = 1
		}
	}
	return mask
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return png.Encode(f, img)
}

func encodeAxis(v float64) uint8 {
	e := math.Floor(255 * (v + 1) / 2)
	if e < 0 {
		e = 0
	}
	if e > 255 {
		e = 255
	}
	return uint8(e)
}

// WriteNormalMap exports a normal map as a color-encoded PNG: each axis of
// (x, −y, −z) maps to floor(255·(axis+1)/2); exact-zero normals become
// pure black.
func WriteNormalMap(path string, normals *photostereo.VectorMap) error {
	img := image.NewRGBA(image.Rect(0, 0, normals.Cols, normals.Rows))
	for row := 0; row < normals.Rows; row++ {
		for col := 0; col < normals.Cols; col++ {
			x, y, z := normals.At(row, col)
			px := color.RGBA{A: 255}
			if x != 0 || y != 0 || z != 0 {
				px.R = encodeAxis(x)
				px.G = encodeAxis(-y)
				px.B = encodeAxis(-z)
			}
			img.SetRGBA(col, row, px)
		}
	}
	return savePNG(path, img)
}

// WriteAlbedoMap exports the albedo at 16 bits per channel with no
// color-space re-encoding.
func WriteAlbedoMap(path string, albedo *photostereo.VectorMap) error {
	img := image.NewNRGBA64(image.Rect(0, 0, albedo.Cols, albedo.Rows))
	for row := 0; row < albedo.Rows; row++ {
		for col := 0; col < albedo.Cols; col++ {
			r, g, b := albedo.At(row, col)
			img.SetNRGBA64(col, row, color.NRGBA64{
				R: uint16(min(max(r, 0), 1) * 65535),
				G: uint16(min(max(g, 0), 1) * 65535),
				B: uint16(min(max(b, 0), 1) * 65535),
				A: 65535,
			})
		}
	}
	return savePNG(path, img)
}

// WriteMask exports the mask actually used for a solve. A nil mask (every
// pixel selected) writes nothing.
func WriteMask(path string, mask *photostereo.Mask) error {
	if mask == nil {
		return nil
	}
	img := image.NewGray(image.Rect(0, 0, mask.W, mask.H))
	for y := 0; y < mask.H; y++ {
		for x := 0; x < mask.W; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(min(max(mask.At(x, y), 0), 1) * 255)})
		}
	}
	return savePNG(path, img)
}

// GroupByPose groups capture files by pose: each subdirectory of root is
// one pose, keyed by its directory name.
func GroupByPose(root string) (map[string][]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan poses in %s: %w", root, err)
	}

	poses := make(map[string][]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		paths, err := ListImages(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(paths) > 0 {
			poses[e.Name()] = paths
		}
	}
	return poses, nil
}

// PoseInput describes one pose's solve: where its captures and light data
// live and how the solver should run.
type PoseInput struct {
	Name      string
	ImageDir  string
	LightData string // directory of text files, or a JSON document
	MaskPath  string
	HSOrder   int
	Downscale int
	// RemoveAmbient subtracts the pose's ambient-reference frame, when one
	// exists, from every capture.
	RemoveAmbient bool
	// AutoMask derives a foreground mask from the image stack when no mask
	// file exists.
	AutoMask bool
	Solver   photostereo.Options
}

// PoseResult is the per-pose output: dense normal and albedo maps plus the
// mask actually used (nil when every pixel was selected).
type PoseResult struct {
	Name       string
	Normals    *photostereo.VectorMap
	Albedo     *photostereo.VectorMap
	Mask       *photostereo.Mask
	Converged  bool
	Iterations int
}

// SolvePose runs one pose end to end: light data, mask, captures,
// observation matrices, solve. It holds no state across calls; a failure
// aborts only this pose.
func SolvePose(in PoseInput) (*PoseResult, error) {
	paths, err := ListImages(in.ImageDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no capture images in %s", in.ImageDir)
	}

	var lights *photostereo.LightModel
	info, err := os.Stat(in.LightData)
	if err != nil {
		return nil, fmt.Errorf("light data %s: %w", in.LightData, err)
	}
	if info.IsDir() {
		lights, err = LoadLightsDir(in.LightData, in.HSOrder, paths)
	} else {
		lights, err = LoadLightsJSON(in.LightData, paths)
	}
	if err != nil {
		return nil, err
	}

	var ambient *photostereo.Image
	if in.RemoveAmbient {
		if ambientPath := FindAmbient(in.ImageDir); ambientPath != "" {
			log.Printf("removing ambient light using %s", ambientPath)
			ambient, err = ReadImage(ambientPath)
			if err != nil {
				return nil, err
			}
		}
	}

	images := make([]*photostereo.Image, 0, len(paths))
	for _, p := range paths {
		im, err := ReadImage(p)
		if err != nil {
			return nil, err
		}
		images = append(images, im)
	}

	downscale := max(in.Downscale, 1)

	mask, err := LoadMask(in.MaskPath)
	if err != nil {
		return nil, err
	}
	if mask != nil {
		mask = mask.Downscale(downscale)
	} else if in.AutoMask {
		scaled := make([]*photostereo.Image, len(images))
		for i, im := range images {
			scaled[i] = im.Downscale(downscale)
		}
		mask = AutoMask(scaled)
	}

	var rows, cols int
	if mask != nil {
		rows, cols = mask.H, mask.W
	} else {
		first := images[0].Downscale(downscale)
		rows, cols = first.H, first.W
	}

	sel := photostereo.SelectPixels(mask, rows, cols)
	obs, err := photostereo.BuildObservation(images, lights, sel, ambient, downscale)
	if err != nil {
		return nil, err
	}
	res, err := photostereo.Solve(obs, lights, sel, in.Solver)
	if err != nil {
		return nil, err
	}

	return &PoseResult{
		Name:       in.Name,
		Normals:    res.Normals,
		Albedo:     res.Albedo,
		Mask:       mask,
		Converged:  res.Converged,
		Iterations: res.Iterations,
	}, nil
}

// PoseOutcome pairs a pose with its result or error.
type PoseOutcome struct {
	Name   string
	Result *PoseResult
	Err    error
}

// SolvePoses runs independent poses in parallel. Each pose touches only
// its own inputs and matrices, so a failed pose never aborts the batch.
func SolvePoses(inputs []PoseInput) []PoseOutcome {
	out := make([]PoseOutcome, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in PoseInput) {
			defer wg.Done()
			res, err := SolvePose(in)
			if err != nil {
				log.Printf("photometric warning: pose %s failed: %v", in.Name, err)
			}
			out[i] = PoseOutcome{Name: in.Name, Result: res, Err: err}
		}(i, in)
	}
	wg.Wait()
	return out
}

// WritePoseResult exports a pose's normal map, albedo map and mask into
// dir, prefixed by the pose name when one is set.
func WritePoseResult(dir string, res *PoseResult) error {
	prefix := ""
	if res.Name != "" {
		prefix = res.Name + "_"
	}
	if err := WriteNormalMap(filepath.Join(dir, prefix+"normals.png"), res.Normals); err != nil {
		return err
	}
	if err := WriteAlbedoMap(filepath.Join(dir, prefix+"albedo.png"), res.Albedo); err != nil {
		return err
	}
	return WriteMask(filepath.Join(dir, prefix+"mask.png"), res.Mask)
}
