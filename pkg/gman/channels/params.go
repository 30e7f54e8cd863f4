package channels

import (
	"fmt"
	"strconv"

	"al.essio.dev/pkg/shellescape"

	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
)

// ParamKind is the value type of a structured parameter.
type ParamKind int

const (
	ParamString ParamKind = iota
	ParamInt
)

// Param describes one named parameter of a structured command, as used by
// slash commands and MCP tools.
type Param struct {
	Name        string
	Description string
	Kind        ParamKind
	Required    bool
	Min, Max    int
}

var toolDescriptions = map[command.Tool]string{
	command.ToolFFmpeg:  "Run FFmpeg on media from a URL",
	command.ToolMagick:  "Run ImageMagick on an image from a URL",
	command.ToolCaption: "Add a caption above an image or video",
	command.ToolGIF:     "Convert a video to a GIF",
	command.ToolFrame:   "Extract the first frame of a video as PNG",
	command.ToolStill:   "Turn an image into a one second video",
	command.ToolMP3:     "Extract the audio track as MP3",
}

// ToolDescription returns a one-line description of a tool.
func ToolDescription(t command.Tool) string {
	if d, ok := toolDescriptions[t]; ok {
		return d
	}
	return "Run " + string(t)
}

// ToolParams lists the structured parameters of a grammar. Required
// parameters come first.
func ToolParams(g command.Grammar) []Param {
	switch g.Tool() {
	case command.ToolFFmpeg, command.ToolMagick:
		return []Param{
			{Name: "args", Description: "Arguments, quoted like a shell: " + g.Usage(), Required: true},
		}
	case command.ToolCaption:
		return []Param{
			{Name: "url", Description: "Image or video URL", Required: true},
			{Name: "text", Description: "Caption text", Required: true},
			{Name: "font", Description: "Font file name"},
			{Name: "font_color", Description: "Text color, e.g. #000000 or black"},
			{Name: "font_size", Description: "Text size in pixels", Kind: ParamInt, Min: 1, Max: 512},
			{Name: "padding_color", Description: "Background color of the caption bar"},
			{Name: "padding_size", Description: "Height of the caption bar in pixels", Kind: ParamInt, Max: 2048},
			{Name: "border_width", Description: "Text outline width", Kind: ParamInt, Max: 64},
			{Name: "border_color", Description: "Text outline color"},
			{Name: "position", Description: `top, center, bottom, left, right or "horizontal,vertical"`},
		}
	case command.ToolGIF:
		return []Param{
			{Name: "url", Description: "Video URL", Required: true},
			{Name: "fps", Description: "Frames per second (1-24)", Kind: ParamInt, Min: 1, Max: 24},
		}
	default:
		return []Param{
			{Name: "url", Description: "Media URL", Required: true},
		}
	}
}

// Options reads the values of named parameters.
type Options interface {
	String(name string) (string, bool)
	Int(name string) (int, bool)
}

// MapOptions adapts a decoded JSON object. Numbers may arrive as float64
// or as numeric strings.
type MapOptions map[string]any

func (m MapOptions) String(name string) (string, bool) {
	v, ok := m[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m MapOptions) Int(name string) (int, bool) {
	switch v := m[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// StructuredRequest builds a pipeline request for tool from named
// parameters. Caption parameters are carried structured; the other tools
// get an argument string the tokenizer reads back unchanged.
func StructuredRequest(tool string, opts Options, caller string) (pipeline.Request, error) {
	g, ok := command.Lookup(tool)
	if !ok {
		return pipeline.Request{}, fmt.Errorf("%w: %s", ErrUnknownCommand, tool)
	}
	str := func(name string) string {
		v, _ := opts.String(name)
		return v
	}

	req := pipeline.NewRequest(string(g.Tool()), "", caller)
	switch g.Tool() {
	case command.ToolFFmpeg, command.ToolMagick:
		req.Args = str("args")
	case command.ToolCaption:
		c := command.DefaultCaptionOptions()
		c.URL = str("url")
		c.Text = str("text")
		for name, dst := range map[string]*string{
			"font":          &c.Font,
			"font_color":    &c.FontColor,
			"padding_color": &c.PaddingColor,
			"border_color":  &c.BorderColor,
			"position":      &c.Position,
		} {
			if v := str(name); v != "" {
				*dst = v
			}
		}
		for name, dst := range map[string]*int{
			"font_size":    &c.FontSize,
			"padding_size": &c.PaddingSize,
			"border_width": &c.BorderWidth,
		} {
			if v, ok := opts.Int(name); ok {
				*dst = v
			}
		}
		req.Caption = &c
	default:
		req.Args = shellescape.Quote(str("url"))
		if fps, ok := opts.Int("fps"); ok {
			req.Args += " " + strconv.Itoa(fps)
		}
	}
	return req, nil
}
