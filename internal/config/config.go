// Package config loads the optional YAML configuration file.
//
// File settings feed the same pflag flags as the command line: a value from
// the file is applied only when the flag was not set explicitly, so the
// command line always wins.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// File mirrors the command-line flags. Unset fields leave the flag alone.
type File struct {
	Listen             string   `yaml:"listen"`
	AllowPaths         []string `yaml:"allow_paths"`
	Upstream           string   `yaml:"upstream"`
	DebugListen        string   `yaml:"debug_listen"`
	DialTimeout        Duration `yaml:"dial_timeout"`
	NegotiationTimeout Duration `yaml:"negotiation_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
	MaxConns           *int     `yaml:"max_conns"`
	Overflow           string   `yaml:"overflow"`
	ConnectErrorStatus *bool    `yaml:"connect_error_status"`
	MaxHeaderBytes     int      `yaml:"max_header_bytes"`
	TCPKeepAlive       string   `yaml:"tcp_keepalive"`

	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`
}

// Duration accepts Go duration strings ("90s", "5m") or plain seconds.
type Duration struct {
	time.Duration
	Set bool
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)

	if n, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(n) * time.Second
		d.Set = true
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	d.Duration = v
	d.Set = true
	return nil
}

// Load reads and parses the YAML file at path. Unknown keys are an error;
// an empty file is not.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	defer f.Close()

	var cfg File
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// Values returns the file's settings keyed by flag name, as flag strings.
func (f *File) Values() map[string]string {
	v := make(map[string]string)

	setString := func(name, s string) {
		if s != "" {
			v[name] = s
		}
	}
	setDuration := func(name string, d Duration) {
		if d.Set {
			v[name] = d.Duration.String()
		}
	}

	setString("listen", f.Listen)
	if len(f.AllowPaths) > 0 {
		v["allow-path"] = strings.Join(f.AllowPaths, ",")
	}
	setString("upstream", f.Upstream)
	setString("debug-listen", f.DebugListen)
	setDuration("dial-timeout", f.DialTimeout)
	setDuration("negotiation-timeout", f.NegotiationTimeout)
	setDuration("idle-timeout", f.IdleTimeout)
	setDuration("shutdown-grace", f.ShutdownGrace)
	if f.MaxConns != nil {
		v["max-conns"] = strconv.Itoa(*f.MaxConns)
	}
	setString("overflow", f.Overflow)
	if f.ConnectErrorStatus != nil {
		v["connect-error-status"] = strconv.FormatBool(*f.ConnectErrorStatus)
	}
	if f.MaxHeaderBytes > 0 {
		v["max-header-bytes"] = strconv.Itoa(f.MaxHeaderBytes)
	}
	setString("tcp-keepalive", f.TCPKeepAlive)
	setString("log-format", f.Log.Format)
	setString("log-level", f.Log.Level)

	return v
}

// Apply copies file settings onto fs for every flag not already changed on
// the command line. Settings without a matching flag are an error.
func Apply(fs *pflag.FlagSet, f *File) error {
	for name, value := range f.Values() {
		fl := fs.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config: no flag %q", name)
		}
		if fl.Changed {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	return nil
}
