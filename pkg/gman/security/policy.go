package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// PolicyConfig configures which tool flags and paths callers may use.
type PolicyConfig struct {
	// DeniedFlags maps a tool name to flags callers may not pass.
	// Entries replace the built-in list for that tool.
	DeniedFlags map[string][]string `yaml:"denied_flags"`

	// DeniedFilters are filter names that may not appear in a filter
	// graph. Empty uses the built-in list.
	DeniedFilters []string `yaml:"denied_filters"`

	// AllowAbsolutePaths lets input and output tokens point outside the
	// invocation workspace. Off by default.
	AllowAbsolutePaths bool `yaml:"allow_absolute_paths"`
}

// protocolPrefix matches tokens such as "file:", "concat:" or "msl:" that
// make a tool open something other than a workspace file.
var protocolPrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*:`)

// Policy decides which argument vectors may reach a child process.
type Policy struct {
	denied        map[string]map[string]bool
	deniedFilters map[string]bool
	allowAbs      bool
}

// NewPolicy builds a Policy, merging config over the built-in deny lists.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{
		denied:        make(map[string]map[string]bool),
		deniedFilters: toSet(defaultDeniedFilters()),
		allowAbs:      cfg.AllowAbsolutePaths,
	}
	if len(cfg.DeniedFilters) > 0 {
		p.deniedFilters = toSet(cfg.DeniedFilters)
	}
	for tool, flags := range defaultDeniedFlags() {
		p.denied[tool] = toSet(flags)
	}
	for tool, flags := range cfg.DeniedFlags {
		p.denied[strings.ToLower(tool)] = toSet(flags)
	}
	return p
}

// Violation is returned when arguments break the policy.
type Violation struct {
	Tool   string
	Token  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %q %s", v.Tool, v.Token, v.Reason)
}

// CheckFlags rejects any denied flag in args.
func (p *Policy) CheckFlags(tool string, args []string) error {
	denied := p.denied[strings.ToLower(tool)]
	if len(denied) == 0 {
		return nil
	}
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name := a
		if i := strings.IndexByte(name, ':'); i > 0 {
			// -filter_script:v counts as -filter_script.
			name = name[:i]
		}
		if denied[a] || denied[name] {
			return &Violation{Tool: tool, Token: a, Reason: "is not allowed"}
		}
	}
	return nil
}

// CheckPath validates a local input or output path. Relative paths are
// resolved inside the invocation workspace and must stay there.
func (p *Policy) CheckPath(tool, path string) error {
	if path == "" {
		return &Violation{Tool: tool, Token: path, Reason: "is empty"}
	}
	if path == "-" || strings.HasPrefix(path, "pipe:") {
		return &Violation{Tool: tool, Token: path, Reason: "uses a pipe; outputs must be files"}
	}
	if protocolPrefix.MatchString(path) {
		return &Violation{Tool: tool, Token: path, Reason: "uses a protocol prefix"}
	}
	if p.allowAbs {
		return nil
	}
	if filepath.IsAbs(path) {
		return &Violation{Tool: tool, Token: path, Reason: "is an absolute path"}
	}
	if !filepath.IsLocal(path) {
		return &Violation{Tool: tool, Token: path, Reason: "escapes the workspace"}
	}
	return nil
}

// AllowsAbsolutePaths reports whether absolute paths pass CheckPath.
func (p *Policy) AllowsAbsolutePaths() bool { return p.allowAbs }

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}

// defaultDeniedFlags lists flags that read or write files outside the
// argument roles the pipeline tracks.
func defaultDeniedFlags() map[string][]string {
	return map[string][]string{
		"ffmpeg": {
			"-filter_script", "-filter_complex_script", "-/filter", "-/vf", "-/af",
			"-dump_attachment", "-attach", "-report", "-progress",
			"-vstats_file", "-passlogfile", "-sdp_file", "-stats_enc_pre",
		},
		"magick": {
			"-script", "-write",
		},
	}
}

// filterName captures the filter name at the start of a graph segment.
var filterName = regexp.MustCompile(`^(?:\s*\[[^\]]*\])*\s*([A-Za-z0-9_]+)`)

// optionPath matches filter option values that are absolute or parent
// relative paths, quoted or not.
var optionPath = regexp.MustCompile(`[=:]\s*'?(?:/|\.\./|~)`)

// CheckFilterGraph rejects denied filters and, unless absolute paths are
// allowed, option values that point outside the workspace.
func (p *Policy) CheckFilterGraph(tool, graph string) error {
	for _, chain := range strings.FieldsFunc(graph, func(r rune) bool { return r == ';' || r == ',' }) {
		m := filterName.FindStringSubmatch(chain)
		if m == nil {
			continue
		}
		if p.deniedFilters[strings.ToLower(m[1])] {
			return &Violation{Tool: tool, Token: m[1], Reason: "filter is not allowed"}
		}
	}
	if !p.allowAbs && optionPath.MatchString(graph) {
		return &Violation{Tool: tool, Token: graph, Reason: "references a path outside the workspace"}
	}
	return nil
}

// defaultDeniedFilters read files, load plugins or open sockets.
func defaultDeniedFilters() []string {
	return []string{
		"movie", "amovie", "subtitles", "ass", "sendcmd", "asendcmd",
		"zmq", "azmq", "ladspa", "lv2", "frei0r", "frei0r_src", "lut3d", "haldclutsrc",
	}
}
