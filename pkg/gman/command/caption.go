package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CaptionOptions are the structured parameters of the caption flow.
type CaptionOptions struct {
	URL          string `json:"url"`
	Text         string `json:"text"`
	Font         string `json:"font"`
	FontColor    string `json:"font_color"`
	FontSize     int    `json:"font_size"`
	PaddingColor string `json:"padding_color"`
	PaddingSize  int    `json:"padding_size"`
	BorderWidth  int    `json:"border_width"`
	BorderColor  string `json:"border_color"`
	Position     string `json:"position"`
}

// DefaultCaptionOptions returns the caption defaults. URL and Text are
// always supplied by the caller.
func DefaultCaptionOptions() CaptionOptions {
	return CaptionOptions{
		Font:         "Futura Condensed Extra Bold.otf",
		FontColor:    "#000000",
		FontSize:     24,
		PaddingColor: "#FFFFFF",
		PaddingSize:  24,
		BorderWidth:  0,
		BorderColor:  "#000000",
		Position:     "center",
	}
}

var (
	colorPattern = regexp.MustCompile(`^(?:(?:#|0x)?[0-9A-Fa-f]{6}(?:[0-9A-Fa-f]{2})?|[A-Za-z]+)(?:@(?:0?\.[0-9]+|1(?:\.0+)?|0))?$`)
	fontPattern  = regexp.MustCompile(`(?i)^[A-Za-z0-9][A-Za-z0-9 ._\-]*\.(?:ttf|otf|ttc)$`)
)

// Validate checks every option so the generated graph is well formed.
func (o *CaptionOptions) Validate() error {
	if strings.TrimSpace(o.URL) == "" {
		return invalid("url", "a media URL is required")
	}
	if o.Text == "" {
		return invalid("text", "caption text is required")
	}
	if !fontPattern.MatchString(o.Font) {
		return invalid("font", "%q is not a font file name", o.Font)
	}
	for _, c := range []struct{ field, v string }{
		{"font_color", o.FontColor},
		{"padding_color", o.PaddingColor},
		{"border_color", o.BorderColor},
	} {
		if !colorPattern.MatchString(c.v) {
			return invalid(c.field, "%q is not a color", c.v)
		}
	}
	for _, r := range []struct {
		field    string
		v, lo, hi int
	}{
		{"font_size", o.FontSize, 1, 512},
		{"padding_size", o.PaddingSize, 0, 4096},
		{"border_width", o.BorderWidth, 0, 128},
	} {
		if r.v < r.lo || r.v > r.hi {
			return invalid(r.field, "%d is outside %d..%d", r.v, r.lo, r.hi)
		}
	}
	if _, err := ResolveAnchor(o.Position, o.PaddingSize); err != nil {
		return err
	}
	return nil
}

// Anchor is a resolved caption position: axis names plus the drawtext
// coordinate expressions.
type Anchor struct {
	Horizontal string
	Vertical   string
	X          string
	Y          string
}

// ResolveAnchor turns a named position into drawtext coordinates. A single
// word sets one axis (left and right are horizontal, anything else is
// vertical) and the other axis stays centered; "h,v" sets both.
func ResolveAnchor(position string, padding int) (Anchor, error) {
	a := Anchor{Horizontal: "center", Vertical: "center"}

	pos := strings.ToLower(strings.TrimSpace(position))
	switch {
	case pos == "":
	case strings.Contains(pos, ","):
		parts := strings.Split(pos, ",")
		if len(parts) != 2 {
			return a, invalid("position", "%q must be two comma-separated parts such as left,top or center,bottom", position)
		}
		a.Horizontal = strings.TrimSpace(parts[0])
		a.Vertical = strings.TrimSpace(parts[1])
	case pos == "left" || pos == "right":
		a.Horizontal = pos
	default:
		a.Vertical = pos
	}

	switch a.Vertical {
	case "top":
		a.Y = "0"
	case "center":
		a.Y = fmt.Sprintf("%d/2-(th/2)", padding)
	case "bottom":
		a.Y = fmt.Sprintf("%d-th", padding)
	default:
		return a, invalid("vertical position", "%q must be top, center or bottom", a.Vertical)
	}

	switch a.Horizontal {
	case "left":
		a.X = "0"
	case "center":
		a.X = "(w-tw)/2"
	case "right":
		a.X = "w-tw"
	default:
		return a, invalid("horizontal position", "%q must be left, center or right", a.Horizontal)
	}
	return a, nil
}

// BuildCaptionGraph renders the pad + drawtext filter graph. The caption
// text is read by ffmpeg from textFile with expansion disabled, so it never
// needs escaping inside the graph.
func BuildCaptionGraph(o *CaptionOptions, fontFile, textFile string) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	a, err := ResolveAnchor(o.Position, o.PaddingSize)
	if err != nil {
		return "", err
	}

	pad := fmt.Sprintf("pad=width=iw:height=ih+%d:x=0:y=%d:color=%s",
		o.PaddingSize, o.PaddingSize, o.PaddingColor)
	draw := fmt.Sprintf("drawtext=textfile=%s:expansion=none:fontfile=%s:fontcolor=%s:fontsize=%d:x=%s:y=%s:borderw=%d:bordercolor=%s",
		quoteGraphValue(textFile), quoteGraphValue(fontFile),
		o.FontColor, o.FontSize, a.X, a.Y, o.BorderWidth, o.BorderColor)
	return pad + "," + draw, nil
}

// quoteGraphValue single-quotes a filter option value.
func quoteGraphValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// captionKeys maps accepted option names to CaptionOptions fields.
var captionKeys = map[string]string{
	"font":          "font",
	"font_color":    "font_color",
	"color":         "font_color",
	"font_size":     "font_size",
	"size":          "font_size",
	"padding_color": "padding_color",
	"padding_size":  "padding_size",
	"padding":       "padding_size",
	"border_width":  "border_width",
	"border":        "border_width",
	"border_color":  "border_color",
	"position":      "position",
	"pos":           "position",
}

// ParseCaptionArgs reads the token form "<url> <text> [key=value...]".
func ParseCaptionArgs(tokens []string) (*CaptionOptions, error) {
	if len(tokens) < 2 {
		return nil, invalid("arguments", `usage: caption <url> "<text>" [key=value...]`)
	}
	o := DefaultCaptionOptions()
	o.URL = tokens[0]
	o.Text = tokens[1]

	for _, kv := range tokens[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, invalid("option", "%q is not key=value", kv)
		}
		field, known := captionKeys[strings.ToLower(k)]
		if !known {
			return nil, invalid("option", "unknown caption option %q", k)
		}
		if err := o.set(field, v); err != nil {
			return nil, err
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *CaptionOptions) set(field, v string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, invalid(field, "%q is not a whole number", v)
		}
		return n, nil
	}
	var err error
	switch field {
	case "font":
		o.Font = v
	case "font_color":
		o.FontColor = v
	case "font_size":
		o.FontSize, err = atoi()
	case "padding_color":
		o.PaddingColor = v
	case "padding_size":
		o.PaddingSize, err = atoi()
	case "border_width":
		o.BorderWidth, err = atoi()
	case "border_color":
		o.BorderColor = v
	case "position":
		o.Position = v
	}
	return err
}
