package utils

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photostereo"
)

func writeGrayPNG(t *testing.T, path string, w, h int, v float64) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	g := uint8(math.Round(v * 255))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeTextFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestListImagesFiltering(t *testing.T) {
	dir := t.TempDir()
	writeGrayPNG(t, filepath.Join(dir, "b.png"), 1, 1, 0.5)
	writeGrayPNG(t, filepath.Join(dir, "a.png"), 1, 1, 0.5)
	writeGrayPNG(t, filepath.Join(dir, "mask.png"), 1, 1, 1)
	writeGrayPNG(t, filepath.Join(dir, "ambiant_01.png"), 1, 1, 0.1)
	writeGrayPNG(t, filepath.Join(dir, "Ambient.png"), 1, 1, 0.1)
	writeTextFile(t, filepath.Join(dir, "c.txt"), "not an image")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	paths, err := ListImages(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "a.png", filepath.Base(paths[0]))
	assert.Equal(t, "b.png", filepath.Base(paths[1]))
}

func TestFindAmbient(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, FindAmbient(dir))

	writeGrayPNG(t, filepath.Join(dir, "img_01.png"), 1, 1, 0.5)
	writeGrayPNG(t, filepath.Join(dir, "ambiant_a.png"), 1, 1, 0.1)
	writeGrayPNG(t, filepath.Join(dir, "ambiant_b.png"), 1, 1, 0.1)

	// Several candidates: the lexicographically last one wins.
	assert.Equal(t, "ambiant_b.png", filepath.Base(FindAmbient(dir)))
}

func TestLoadMaskMissingFile(t *testing.T) {
	mask, err := LoadMask(filepath.Join(t.TempDir(), "nope.png"))
	require.NoError(t, err)
	assert.Nil(t, mask)
}

func TestLoadMaskLuminance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mask.png")
	writeGrayPNG(t, path, 2, 1, 1)

	mask, err := LoadMask(path)
	require.NoError(t, err)
	require.NotNil(t, mask)
	assert.Equal(t, 2, mask.W)
	assert.Equal(t, 1, mask.H)
	assert.InDelta(t, 1, mask.At(0, 0), 1e-3)
}

func TestReadImageValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	writeGrayPNG(t, path, 2, 3, 0.5)

	im, err := ReadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 2, im.W)
	assert.Equal(t, 3, im.H)
	for ch := 0; ch < 3; ch++ {
		assert.InDelta(t, 0.5, im.At(1, 2, ch), 1.0/255)
	}
}

func TestLoadLightsDirDirections(t *testing.T) {
	dir := t.TempDir()
	writeTextFile(t, filepath.Join(dir, "light_directions.txt"),
		"0 0 1\n1 0 0\n0 1 0\n")
	writeTextFile(t, filepath.Join(dir, "light_intensities.txt"),
		"1 1 1\n1 1 1\n1 1 1\n")

	paths := []string{"a.png", "b.png", "c.png"}
	model, err := LoadLightsDir(dir, 0, paths)
	require.NoError(t, err)
	require.Len(t, model.Lights, 3)
	assert.Equal(t, photostereo.DimDirectional, model.Dim)
	assert.Equal(t, []float64{0, 0, 1}, model.Lights[0].Direction)
	assert.Equal(t, [3]float64{1, 1, 1}, model.Lights[1].Intensity)
}

func TestLoadLightsDirConversionMatrix(t *testing.T) {
	dir := t.TempDir()
	writeTextFile(t, filepath.Join(dir, "light_directions.txt"), "1 2 3\n")
	writeTextFile(t, filepath.Join(dir, "light_intensities.txt"), "1 1 1\n")
	writeTextFile(t, filepath.Join(dir, "convertionMatrix.txt"),
		"2 0 0\n0 2 0\n0 0 2\n")

	model, err := LoadLightsDir(dir, 0, []string{"a.png"})
	require.NoError(t, err)
	require.Len(t, model.Lights, 1)
	assert.Equal(t, []float64{2, 4, 6}, model.Lights[0].Direction)
}

func TestLoadLightsDirHarmonics(t *testing.T) {
	dir := t.TempDir()
	writeTextFile(t, filepath.Join(dir, "light_directions_HS.txt"),
		"1 2 3 4 5 6 7 8 9\n")
	writeTextFile(t, filepath.Join(dir, "light_intensities.txt"), "1 1 1\n")

	model, err := LoadLightsDir(dir, 2, []string{"a.png"})
	require.NoError(t, err)
	require.Len(t, model.Lights, 1)
	assert.Equal(t, photostereo.DimHarmonics, model.Dim)
	// Second and third coefficients carry flipped signs.
	assert.Equal(t, []float64{1, -2, -3, 4, 5, 6, 7, 8, 9}, model.Lights[0].Direction)
}

func TestLoadLightsDirTruncatesExtraLines(t *testing.T) {
	dir := t.TempDir()
	writeTextFile(t, filepath.Join(dir, "light_directions.txt"),
		"0 0 1\n1 0 0\n0 1 0\n")
	writeTextFile(t, filepath.Join(dir, "light_intensities.txt"),
		"1 1 1\n1 1 1\n1 1 1\n")

	model, err := LoadLightsDir(dir, 0, []string{"a.png", "b.png"})
	require.NoError(t, err)
	assert.Len(t, model.Lights, 2)
}

func TestLoadLightsDirBadOrder(t *testing.T) {
	_, err := LoadLightsDir(t.TempDir(), 1, nil)
	assert.Error(t, err)
}

func TestParseLightsJSONKeepsFileOrder(t *testing.T) {
	doc := `{
		"version": 1,
		"lights": {
			"zeta": {"intensity": [1, 1, 1], "direction": [0, 0, 1]},
			"alpha": {"intensity": [2, 2, 2], "direction": [1, 0, 0]}
		}
	}`
	lights, err := parseLightsJSON(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, lights, 2)
	assert.Equal(t, "zeta", lights[0].name)
	assert.Equal(t, "alpha", lights[1].name)
	assert.Equal(t, [3]float64{1, 0, 0}, lights[1].direction)
}

func TestParseLightsJSONRejectsShortVectors(t *testing.T) {
	doc := `{"lights": {"a": {"intensity": [1, 1], "direction": [0, 0, 1]}}}`
	_, err := parseLightsJSON(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadLightsJSONFuzzyMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lights.json")
	writeTextFile(t, path, `{
		"lights": {
			"L01": {"intensity": [1, 1, 1], "direction": [0, 0, 1]},
			"L02": {"intensity": [1, 1, 1], "direction": [1, 0, 0]}
		}
	}`)

	model, err := LoadLightsJSON(path, []string{"scan_l02.png", "scan_l01.png"})
	require.NoError(t, err)
	require.Len(t, model.Lights, 2)
	// Samples follow image order, matched case-insensitively.
	assert.Equal(t, []float64{1, 0, 0}, model.Lights[0].Direction)
	assert.Equal(t, []float64{0, 0, 1}, model.Lights[1].Direction)
}

func TestLoadLightsJSONAmbiguousStemAddsAllMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lights.json")
	writeTextFile(t, path, `{
		"lights": {
			"L1": {"intensity": [1, 1, 1], "direction": [0, 0, 1]},
			"L11": {"intensity": [1, 1, 1], "direction": [1, 0, 0]}
		}
	}`)

	// "scan_l11" contains both "l1" and "l11"; both lights contribute.
	model, err := LoadLightsJSON(path, []string{"scan_l11.png"})
	require.NoError(t, err)
	assert.Len(t, model.Lights, 2)
}

func TestWriteNormalMapEncoding(t *testing.T) {
	normals := photostereo.NewVectorMap(1, 2)
	normals.Set(0, 0, 0, 0, 1)
	// (0, 1): stays the zero vector, encodes as pure black.

	path := filepath.Join(t.TempDir(), "normals.png")
	require.NoError(t, WriteNormalMap(path, normals))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(127), r>>8)
	assert.Equal(t, uint32(127), g>>8)
	assert.Equal(t, uint32(0), b>>8)

	r, g, b, _ = img.At(1, 0).RGBA()
	assert.Zero(t, r)
	assert.Zero(t, g)
	assert.Zero(t, b)
}

func TestWriteAlbedoMapClamps(t *testing.T) {
	albedo := photostereo.NewVectorMap(1, 1)
	albedo.Set(0, 0, 1.5, 0.5, -0.2)

	path := filepath.Join(t.TempDir(), "albedo.png")
	require.NoError(t, WriteAlbedoMap(path, albedo))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(65535), r)
	assert.InDelta(t, 32767, float64(g), 1)
	assert.Zero(t, b)
}

func TestWriteMaskNilIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.png")
	require.NoError(t, WriteMask(path, nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAutoMaskSeparatesBrightRegion(t *testing.T) {
	im := photostereo.NewImage(8, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			v := 0.05
			if x >= 4 {
				v = 0.95
			}
			for ch := 0; ch < 3; ch++ {
				im.Set(x, y, ch, v)
			}
		}
	}

	mask := AutoMask([]*photostereo.Image{im, im})
	require.NotNil(t, mask)
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			if x >= 4 {
				assert.Greater(t, mask.At(x, y), photostereo.MaskThreshold)
			} else {
				assert.Zero(t, mask.At(x, y))
			}
		}
	}
}

func TestAutoMaskMixedDimensions(t *testing.T) {
	a := photostereo.NewImage(2, 2)
	b := photostereo.NewImage(3, 2)
	assert.Nil(t, AutoMask([]*photostereo.Image{a, b}))
}

func TestGroupByPose(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "front"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	writeGrayPNG(t, filepath.Join(root, "front", "img_01.png"), 1, 1, 0.5)
	writeGrayPNG(t, filepath.Join(root, "stray.png"), 1, 1, 0.5)

	poses, err := GroupByPose(root)
	require.NoError(t, err)
	require.Len(t, poses, 1)
	require.Len(t, poses["front"], 1)
	assert.Equal(t, "img_01.png", filepath.Base(poses["front"][0]))
}

// solvePoseFixture writes a synthetic flat-patch capture set: four lights,
// uniform shading per image, ground-truth normal (0,0,1).
func solvePoseFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	dirs := [][3]float64{
		{0, 0, 1},
		{1 / math.Sqrt2, 0, 1 / math.Sqrt2},
		{0, 1 / math.Sqrt2, 1 / math.Sqrt2},
		{-1 / math.Sqrt(6), -1 / math.Sqrt(6), 2 / math.Sqrt(6)},
	}

	var dirLines, intLines strings.Builder
	for i, d := range dirs {
		writeGrayPNG(t, fmt.Sprintf("%s/img_%02d.png", dir, i+1), 4, 4, d[2])
		fmt.Fprintf(&dirLines, "%.12f %.12f %.12f\n", d[0], d[1], d[2])
		intLines.WriteString("1 1 1\n")
	}
	writeTextFile(t, filepath.Join(dir, "light_directions.txt"), dirLines.String())
	writeTextFile(t, filepath.Join(dir, "light_intensities.txt"), intLines.String())
	return dir
}

func TestSolvePoseFlatPatch(t *testing.T) {
	dir := solvePoseFixture(t)

	res, err := SolvePose(PoseInput{
		Name:      "flat",
		ImageDir:  dir,
		LightData: dir,
		MaskPath:  filepath.Join(dir, "mask.png"), // absent, every pixel used
		Solver:    photostereo.DefaultOptions(),
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.Mask)
	assert.Equal(t, 4, res.Normals.Rows)
	assert.Equal(t, 4, res.Normals.Cols)

	// 8-bit capture quantization bounds the recoverable accuracy.
	x, y, z := res.Normals.At(2, 2)
	assert.InDelta(t, 0, x, 0.05)
	assert.InDelta(t, 0, y, 0.05)
	assert.InDelta(t, 1, z, 0.05)

	r, g, b := res.Albedo.At(2, 2)
	assert.InDelta(t, 1, r, 0.05)
	assert.InDelta(t, 1, g, 0.05)
	assert.InDelta(t, 1, b, 0.05)
}

func TestSolvePosesParallel(t *testing.T) {
	dir := solvePoseFixture(t)

	inputs := []PoseInput{
		{Name: "a", ImageDir: dir, LightData: dir, Solver: photostereo.DefaultOptions()},
		{Name: "broken", ImageDir: t.TempDir(), LightData: dir, Solver: photostereo.DefaultOptions()},
	}
	outcomes := SolvePoses(inputs)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	require.NotNil(t, outcomes[0].Result)
	assert.Error(t, outcomes[1].Err)
	assert.Nil(t, outcomes[1].Result)
}

func TestWritePoseResultFiles(t *testing.T) {
	out := t.TempDir()
	res := &PoseResult{
		Name:    "front",
		Normals: photostereo.NewVectorMap(2, 2),
		Albedo:  photostereo.NewVectorMap(2, 2),
	}
	require.NoError(t, WritePoseResult(out, res))

	_, err := os.Stat(filepath.Join(out, "front_normals.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "front_albedo.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "front_mask.png"))
	assert.True(t, os.IsNotExist(err))
}
