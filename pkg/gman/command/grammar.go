package command

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jholhewres/gman/pkg/gman/fetch"
)

// Tool names a supported transformation.
type Tool string

const (
	ToolFFmpeg  Tool = "ffmpeg"
	ToolMagick  Tool = "magick"
	ToolCaption Tool = "caption"
	ToolGIF     Tool = "gif"
	ToolFrame   Tool = "frame"
	ToolStill   Tool = "still"
	ToolMP3     Tool = "mp3"
)

// Layout is a tokenized argument list annotated with argument roles.
type Layout struct {
	Args    []string
	Inputs  []int
	Output  int
	Filters []int
}

// Grammar declares how one tool's arguments are laid out: which tokens are
// inputs, which one is the output and which carry filter graphs.
type Grammar interface {
	Tool() Tool
	// Binary is the executable run for this tool.
	Binary() string
	// DisplayName is the tool name shown to users.
	DisplayName() string
	Usage() string
	layout(tokens []string) (*Layout, error)
}

// ffmpegFilterFlags take a filter graph as their value.
var ffmpegFilterFlags = map[string]bool{
	"-vf":             true,
	"-af":             true,
	"-filter_complex": true,
	"-lavfi":          true,
	"-filter:v":       true,
	"-filter:a":       true,
}

// ffmpegGrammar: inputs follow -i, the output is the last token.
type ffmpegGrammar struct{}

func (ffmpegGrammar) Tool() Tool { return ToolFFmpeg }
func (ffmpegGrammar) Binary() string { return "ffmpeg" }
func (ffmpegGrammar) DisplayName() string { return "FFmpeg" }
func (ffmpegGrammar) Usage() string {
	return "ffmpeg -i <url> [options] <output>"
}

func (ffmpegGrammar) layout(tokens []string) (*Layout, error) {
	if len(tokens) == 0 {
		return nil, invalid("arguments", "no arguments given; usage: ffmpeg -i <url> [options] <output>")
	}
	l := &Layout{Args: tokens, Output: len(tokens) - 1}
	roles := make(map[int]bool)
	for i := 0; i < len(tokens)-1; i++ {
		switch {
		case tokens[i] == "-i":
			l.Inputs = append(l.Inputs, i+1)
			roles[i+1] = true
			i++
		case ffmpegFilterFlags[tokens[i]]:
			l.Filters = append(l.Filters, i+1)
			roles[i+1] = true
			i++
		}
	}
	if len(l.Inputs) == 0 {
		return nil, invalid("arguments", "at least one -i input is required")
	}
	out := tokens[l.Output]
	if roles[l.Output] || strings.HasPrefix(out, "-") {
		return nil, invalid("output", "the last argument must be the output file")
	}
	return l, nil
}

// magickGrammar: the first token is the input, the last the output.
type magickGrammar struct{}

func (magickGrammar) Tool() Tool { return ToolMagick }
func (magickGrammar) Binary() string { return "magick" }
func (magickGrammar) DisplayName() string { return "ImageMagick" }
func (magickGrammar) Usage() string {
	return "magick <url> [options] <output>"
}

func (magickGrammar) layout(tokens []string) (*Layout, error) {
	if len(tokens) < 2 {
		return nil, invalid("arguments", "you must provide at least an input file and an output file")
	}
	if strings.HasPrefix(tokens[0], "-") {
		return nil, invalid("input", "the first argument must be the input file")
	}
	if strings.HasPrefix(tokens[len(tokens)-1], "-") {
		return nil, invalid("output", "the last argument must be the output file")
	}
	return &Layout{Args: tokens, Inputs: []int{0}, Output: len(tokens) - 1}, nil
}

// presetGrammar expands "<url> [param]" into a fixed ffmpeg command.
type presetGrammar struct {
	tool  Tool
	usage string
	build func(input string, params []string) (args []string, output string, err error)
}

func (p presetGrammar) Tool() Tool { return p.tool }
func (p presetGrammar) Binary() string { return "ffmpeg" }
func (p presetGrammar) DisplayName() string { return "FFmpeg" }
func (p presetGrammar) Usage() string { return p.usage }

func (p presetGrammar) layout(tokens []string) (*Layout, error) {
	if len(tokens) == 0 {
		return nil, invalid("arguments", "missing input; usage: %s", p.usage)
	}
	args, output, err := p.build(tokens[0], tokens[1:])
	if err != nil {
		return nil, err
	}
	args = append(args, output)
	l := &Layout{Args: args, Output: len(args) - 1}
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-i" {
			l.Inputs = append(l.Inputs, i+1)
		}
	}
	return l, nil
}

// captionGrammar is laid out from CaptionOptions by the synthesizer; its
// token form is "<url> <text> [key=value...]".
type captionGrammar struct{}

func (captionGrammar) Tool() Tool { return ToolCaption }
func (captionGrammar) Binary() string { return "ffmpeg" }
func (captionGrammar) DisplayName() string { return "FFmpeg" }
func (captionGrammar) Usage() string {
	return `caption <url> "<text>" [font=… font_color=… font_size=… padding_color=… padding_size=… border_width=… border_color=… position=…]`
}

func (captionGrammar) layout(tokens []string) (*Layout, error) {
	opts, err := ParseCaptionArgs(tokens)
	if err != nil {
		return nil, err
	}
	return captionLayout(opts), nil
}

func captionLayout(opts *CaptionOptions) *Layout {
	args := []string{"-i", opts.URL, "-vf", "", "caption-" + fetch.FileName(opts.URL)}
	return &Layout{Args: args, Inputs: []int{1}, Output: 4, Filters: []int{3}}
}

// stem returns the base name of an input token without its extension.
func stem(input string) string {
	name := fetch.FileName(input)
	if ext := path.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

func gifPreset(input string, params []string) ([]string, string, error) {
	fps := 24
	if len(params) > 0 {
		v, err := strconv.Atoi(params[0])
		if err != nil {
			return nil, "", invalid("fps", "%q is not a number", params[0])
		}
		fps = max(1, min(v, 24))
	}
	graph := "fps=" + strconv.Itoa(fps) + ",split[a][b];[b]palettegen[p];[a][p]paletteuse"
	return []string{"-i", input, "-vf", graph}, "gif-" + stem(input) + ".gif", nil
}

func framePreset(input string, _ []string) ([]string, string, error) {
	return []string{"-i", input, "-frames:v", "1"}, "frame-" + stem(input) + ".png", nil
}

func stillPreset(input string, _ []string) ([]string, string, error) {
	return []string{"-loop", "1", "-i", input, "-t", "1", "-pix_fmt", "yuv420p"}, "still-" + stem(input) + ".mp4", nil
}

func mp3Preset(input string, _ []string) ([]string, string, error) {
	return []string{"-i", input, "-vn"}, "mp3-" + stem(input) + ".mp3", nil
}

var grammars = map[Tool]Grammar{
	ToolFFmpeg:  ffmpegGrammar{},
	ToolMagick:  magickGrammar{},
	ToolCaption: captionGrammar{},
	ToolGIF:     presetGrammar{tool: ToolGIF, usage: "gif <url> [fps 1-24]", build: gifPreset},
	ToolFrame:   presetGrammar{tool: ToolFrame, usage: "frame <url>", build: framePreset},
	ToolStill:   presetGrammar{tool: ToolStill, usage: "still <url>", build: stillPreset},
	ToolMP3:     presetGrammar{tool: ToolMP3, usage: "mp3 <url>", build: mp3Preset},
}

var aliases = map[string]Tool{
	"imagemagick": ToolMagick,
	"convert":     ToolMagick,
	"vid2img":     ToolFrame,
	"img2vid":     ToolStill,
}

// Lookup resolves a tool name or alias to its grammar.
func Lookup(name string) (Grammar, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := aliases[name]; ok {
		return grammars[t], true
	}
	g, ok := grammars[Tool(name)]
	return g, ok
}

// Aliases returns the alternative names accepted for each tool.
func Aliases() map[Tool][]string {
	out := make(map[Tool][]string)
	for name, t := range aliases {
		out[t] = append(out[t], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// Grammars returns every grammar sorted by tool name.
func Grammars() []Grammar {
	out := make([]Grammar, 0, len(grammars))
	for _, g := range grammars {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool() < out[j].Tool() })
	return out
}
