// Command preview runs the sphere cluster locally and shows it through the
// CPU reference renderer in a desktop window.
//
// Controls: move the mouse to push spheres, C cycles the palette, I kicks
// every body, R redraws the cluster, Space pauses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/shading"
	"floatingspheres/broker/internal/simulation"
)

const (
	previewClient = "preview"
	tps           = 60
)

type viewer struct {
	engine   *simulation.Engine
	renderer *shading.Renderer
	canvas   *ebiten.Image
	logger   *logging.Logger
	paused   bool
	overlay  bool
	inside   bool
	lastX    int
	lastY    int
	sequence uint64
}

func (v *viewer) submit(cmd simulation.Command) {
	v.sequence++
	cmd.ClientID = previewClient
	cmd.Sequence = v.sequence
	if err := v.engine.Submit(cmd); err != nil {
		v.logger.Warn("command rejected", logging.String("type", string(cmd.Kind)), logging.Error(err))
	}
}

// Update is called each tick by Ebitengine.
func (v *viewer) Update() error {
	v.handleInput()
	if v.paused {
		return nil
	}
	v.engine.Tick(1.0 / tps)
	return nil
}

func (v *viewer) handleInput() {
	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		v.paused = !v.paused
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyH) {
		v.overlay = !v.overlay
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyC) {
		v.submit(simulation.Command{Kind: simulation.CommandChangeColor})
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyI) {
		v.submit(simulation.Command{Kind: simulation.CommandImpulse})
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		v.submit(simulation.Command{Kind: simulation.CommandReset})
	}

	//1.- Forward the cursor only when it moves or crosses the canvas edge.
	mx, my := ebiten.CursorPosition()
	inside := ebiten.IsFocused() && mx >= 0 && my >= 0 && mx < v.renderer.Width && my < v.renderer.Height
	switch {
	case inside && (mx != v.lastX || my != v.lastY || !v.inside):
		x, y := pointerNDC(mx, my, v.renderer.Width, v.renderer.Height)
		v.submit(simulation.Command{Kind: simulation.CommandPointer, X: x, Y: y, Active: true})
	case !inside && v.inside:
		v.submit(simulation.Command{Kind: simulation.CommandPointer})
	}
	v.inside, v.lastX, v.lastY = inside, mx, my
}

// pointerNDC maps a pixel centre to normalised device coordinates with +Y up.
func pointerNDC(px, py, width, height int) (float64, float64) {
	x := 2*(float64(px)+0.5)/float64(width) - 1
	y := 1 - 2*(float64(py)+0.5)/float64(height)
	return x, y
}

// Draw is called each frame by Ebitengine.
func (v *viewer) Draw(screen *ebiten.Image) {
	frame := v.engine.Latest()
	img, err := v.renderer.Render(context.Background(), shading.RenderInput{
		Bodies:    frame.States(),
		Neighbors: frame.Neighbors,
		Camera:    v.engine.Camera(),
	})
	if err != nil {
		v.logger.Warn("render failed", logging.Error(err))
		return
	}
	v.canvas.WritePixels(img.Pix)
	screen.DrawImage(v.canvas, nil)

	if v.overlay {
		diag := v.engine.Diagnostics()
		ebitenutil.DebugPrint(screen, fmt.Sprintf(
			"tick %d  fps %.0f\nbodies %d  palette %d\nmean r %.2f  ke %.1f\npaused %t",
			diag.Tick, ebiten.ActualFPS(), diag.Bodies, frame.PaletteIndex,
			diag.MeanRadialDist, diag.KineticEnergy, v.paused,
		))
	}
}

// Layout returns the render resolution; Ebitengine scales it to the window.
func (v *viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	return v.renderer.Width, v.renderer.Height
}

func main() {
	var (
		seed      = flag.String("seed", config.DefaultSeed, "seed string for the initial draw")
		scenePath = flag.String("scene", "", "optional YAML scene file")
		mobile    = flag.Bool("mobile", false, "apply the reduced mobile roster")
		width     = flag.Int("width", 320, "render width in pixels")
		height    = flag.Int("height", 180, "render height in pixels")
		scale     = flag.Int("scale", 3, "window scale factor")
	)
	flag.Parse()

	logger := logging.NewWriter(os.Stderr, logging.InfoLevel)
	base, err := config.LoadScene(*scenePath)
	if err != nil {
		log.Fatalf("load scene: %v", err)
	}
	scene, err := base.Effective(*mobile)
	if err != nil {
		log.Fatalf("effective scene: %v", err)
	}
	engine, err := simulation.NewEngine(scene, *seed,
		simulation.WithLogger(logger),
		simulation.WithAspect(float64(*width)/float64(*height)),
	)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	renderer, err := simulation.SceneRenderer(scene, *seed, *width, *height)
	if err != nil {
		log.Fatalf("build renderer: %v", err)
	}

	v := &viewer{
		engine:   engine,
		renderer: renderer,
		canvas:   ebiten.NewImage(*width, *height),
		logger:   logger,
		overlay:  true,
	}
	ebiten.SetWindowSize(*width**scale, *height**scale)
	ebiten.SetWindowTitle("Floating Spheres")
	ebiten.SetTPS(tps)
	if err := ebiten.RunGame(v); err != nil {
		log.Fatal(err)
	}
}
