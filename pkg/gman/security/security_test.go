package security

import (
	"errors"
	"log/slog"
	"testing"
)

func newTestSSRFGuard(cfg SSRFConfig, resolved ...string) *SSRFGuard {
	cfg.Enabled = true
	g := NewSSRFGuard(cfg, slog.Default())
	g.lookup = func(host string) ([]string, error) {
		if len(resolved) == 0 {
			return []string{host}, nil
		}
		return resolved, nil
	}
	return g
}

func TestSSRFGuard_Disabled(t *testing.T) {
	t.Parallel()
	g := NewSSRFGuard(SSRFConfig{}, nil)
	if err := g.IsAllowed("http://127.0.0.1/a.mp4"); err != nil {
		t.Errorf("disabled guard blocked: %v", err)
	}
}

func TestSSRFGuard_Blocks(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{})

	blocked := []string{
		"http://localhost/a.mp4",
		"http://127.0.0.1/a.mp4",
		"http://10.0.0.1/a.mp4",
		"http://192.168.1.1/a.mp4",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/",
		"http://[::1]/a.mp4",
		"http://0177.0.0.1/",
		"http://0x7f.0.0.1/",
		"http://127.1/",
		"file:///etc/passwd",
		"ftp://example.com/a.mp4",
	}
	for _, u := range blocked {
		if err := g.IsAllowed(u); err == nil {
			t.Errorf("expected %q to be blocked", u)
		}
	}
}

func TestSSRFGuard_AllowsPublic(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{}, "93.184.216.34")
	if err := g.IsAllowed("https://example.com/a.mp4"); err != nil {
		t.Errorf("public host blocked: %v", err)
	}
}

func TestSSRFGuard_RebindingToPrivate(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{}, "93.184.216.34", "10.1.2.3")
	if err := g.IsAllowed("https://cdn.example.com/a.mp4"); err == nil {
		t.Error("expected host resolving to a private address to be blocked")
	}
}

func TestSSRFGuard_AllowPrivate(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{AllowPrivate: true})
	if err := g.IsAllowed("http://10.0.0.1/a.mp4"); err != nil {
		t.Errorf("AllowPrivate should allow 10.x: %v", err)
	}
	if err := g.IsAllowed("http://169.254.169.254/"); err == nil {
		t.Error("link-local must stay blocked with AllowPrivate")
	}
}

func TestSSRFGuard_HostLists(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{
		AllowedHosts: []string{"cdn.discordapp.com"},
		BlockedHosts: []string{"evil.example"},
	}, "162.159.130.233")

	if err := g.IsAllowed("https://cdn.discordapp.com/attachments/1/2/a.mp4"); err != nil {
		t.Errorf("allowlisted host blocked: %v", err)
	}
	if err := g.IsAllowed("https://example.com/a.mp4"); err == nil {
		t.Error("host outside allowlist should be blocked")
	}
	if err := g.IsAllowed("https://evil.example/a.mp4"); err == nil {
		t.Error("blocklisted host should be blocked")
	}
}

func TestSSRFGuard_NAT64EmbeddedLoopback(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{}, "64:ff9b::7f00:1")
	if err := g.IsAllowed("http://sneaky.example/"); err == nil {
		t.Error("NAT64 address embedding 127.0.0.1 should be blocked")
	}
}

func TestSSRFGuard_HexLookalikeHostnames(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{}, "93.184.216.34")
	for _, u := range []string{
		"https://media0x.example.com/a.mp4",
		"https://0xdeadbeef.example.com/a.mp4",
		"https://cdn.example.com/0x7f/a.mp4",
	} {
		if err := g.IsAllowed(u); err != nil {
			t.Errorf("%s blocked: %v", u, err)
		}
	}
	if err := g.IsAllowed("http://0x7f000001/"); err == nil {
		t.Error("packed hex IPv4 should be blocked")
	}
}

func TestSSRFGuard_Control(t *testing.T) {
	t.Parallel()
	g := newTestSSRFGuard(SSRFConfig{})

	tests := []struct {
		address string
		blocked bool
	}{
		{"127.0.0.1:80", true},
		{"10.0.0.7:443", true},
		{"169.254.169.254:80", true},
		{"[::1]:8080", true},
		{"[64:ff9b::a00:1]:80", true},
		{"93.184.216.34:443", false},
		{"[2606:2800:220:1:248:1893:25c8:1946]:443", false},
	}
	for _, tt := range tests {
		err := g.Control("tcp", tt.address, nil)
		if (err != nil) != tt.blocked {
			t.Errorf("Control(%s) = %v, want blocked=%v", tt.address, err, tt.blocked)
		}
	}

	if err := NewSSRFGuard(SSRFConfig{}, nil).Control("tcp", "127.0.0.1:80", nil); err != nil {
		t.Errorf("disabled guard blocked a dial: %v", err)
	}
}

func TestPolicy_CheckFlags(t *testing.T) {
	t.Parallel()
	p := NewPolicy(PolicyConfig{})

	tests := []struct {
		tool    string
		args    []string
		wantErr bool
	}{
		{"ffmpeg", []string{"-i", "a.mp4", "-vf", "scale=320:240", "out.mp4"}, false},
		{"ffmpeg", []string{"-i", "a.mp4", "-filter_script", "f.txt", "out.mp4"}, true},
		{"ffmpeg", []string{"-i", "a.mp4", "-filter_script:v", "f.txt", "out.mp4"}, true},
		{"ffmpeg", []string{"-i", "a.mp4", "-report", "out.mp4"}, true},
		{"magick", []string{"a.png", "-resize", "50%", "out.png"}, false},
		{"magick", []string{"a.png", "-write", "x.png", "out.png"}, true},
		{"caption", []string{"-write"}, false},
	}
	for _, tt := range tests {
		err := p.CheckFlags(tt.tool, tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckFlags(%s, %v) err = %v, wantErr %v", tt.tool, tt.args, err, tt.wantErr)
		}
		var v *Violation
		if err != nil && !errors.As(err, &v) {
			t.Errorf("error %T is not a *Violation", err)
		}
	}
}

func TestPolicy_CheckFlagsOverride(t *testing.T) {
	t.Parallel()
	p := NewPolicy(PolicyConfig{DeniedFlags: map[string][]string{"FFmpeg": {"-map"}}})

	if err := p.CheckFlags("ffmpeg", []string{"-report"}); err != nil {
		t.Errorf("configured list should replace the built-in one: %v", err)
	}
	if err := p.CheckFlags("ffmpeg", []string{"-map", "0"}); err == nil {
		t.Error("configured flag not denied")
	}
}

func TestPolicy_CheckPath(t *testing.T) {
	t.Parallel()
	strict := NewPolicy(PolicyConfig{})
	loose := NewPolicy(PolicyConfig{AllowAbsolutePaths: true})

	tests := []struct {
		path      string
		strictErr bool
		looseErr  bool
	}{
		{"out.mp4", false, false},
		{"sub/out.mp4", false, false},
		{"/tmp/out.mp4", true, false},
		{"../out.mp4", true, false},
		{"file:/etc/passwd", true, true},
		{"concat:a.mp4|b.mp4", true, true},
		{"pipe:1", true, true},
		{"-", true, true},
		{"", true, true},
	}
	for _, tt := range tests {
		if err := strict.CheckPath("ffmpeg", tt.path); (err != nil) != tt.strictErr {
			t.Errorf("strict CheckPath(%q) err = %v, want %v", tt.path, err, tt.strictErr)
		}
		if err := loose.CheckPath("ffmpeg", tt.path); (err != nil) != tt.looseErr {
			t.Errorf("loose CheckPath(%q) err = %v, want %v", tt.path, err, tt.looseErr)
		}
	}
}

func TestPolicy_CheckFilterGraph(t *testing.T) {
	t.Parallel()
	p := NewPolicy(PolicyConfig{})

	tests := []struct {
		graph   string
		wantErr bool
	}{
		{"scale=iw/2:ih/2", false},
		{"fps=24,split[a][b];[b]palettegen[p];[a][p]paletteuse", false},
		{"[0:v]scale=320:240[v]", false},
		{"movie=/etc/passwd", true},
		{"[in]subtitles=subs.srt[out]", true},
		{"drawtext=textfile=/etc/passwd", true},
		{"drawtext=textfile='../secret.txt'", true},
	}
	for _, tt := range tests {
		if err := p.CheckFilterGraph("ffmpeg", tt.graph); (err != nil) != tt.wantErr {
			t.Errorf("CheckFilterGraph(%q) err = %v, wantErr %v", tt.graph, err, tt.wantErr)
		}
	}

	loose := NewPolicy(PolicyConfig{AllowAbsolutePaths: true})
	if err := loose.CheckFilterGraph("ffmpeg", "drawtext=textfile=/srv/t.txt"); err != nil {
		t.Errorf("absolute path should pass when allowed: %v", err)
	}
	if err := loose.CheckFilterGraph("ffmpeg", "movie=clip.mp4"); err == nil {
		t.Error("denied filter must stay denied")
	}
}
