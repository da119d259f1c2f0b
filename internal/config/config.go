package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AdminKey       string   `yaml:"admin_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		ReadTimeout    string   `yaml:"read_timeout"`
		WriteTimeout   string   `yaml:"write_timeout"`
		PingInterval   string   `yaml:"ping_interval"`
		HelloTimeout   string   `yaml:"hello_timeout"`
		MaxMessageSize int64    `yaml:"max_message_size"`
		SendQueue      int      `yaml:"send_queue"`
	} `yaml:"server"`
	Host struct {
		QuizID                   string `yaml:"quiz_id"`
		HostID                   string `yaml:"host_id"`
		TeacherName              string `yaml:"teacher_name"`
		ClassroomID              string `yaml:"classroom_id"`
		JoinCode                 string `yaml:"join_code"`
		MaxParticipants          int    `yaml:"max_participants"`
		LockedAfterFirstQuestion bool   `yaml:"locked_after_first_question"`
		AutoReveal               bool   `yaml:"auto_reveal"`
	} `yaml:"host"`
	Discovery struct {
		Enabled       bool   `yaml:"enabled"`
		Service       string `yaml:"service"`
		Domain        string `yaml:"domain"`
		BrowseTimeout string `yaml:"browse_timeout"`
	} `yaml:"discovery"`
	Client struct {
		HandshakeTimeout string `yaml:"handshake_timeout"`
		ReadTimeout      string `yaml:"read_timeout"`
		MaxReconnects    int    `yaml:"max_reconnects"`
		InitialBackoff   string `yaml:"initial_backoff"`
		MaxBackoff       string `yaml:"max_backoff"`
	} `yaml:"client"`
	Oplog struct {
		// Backend is sqlite, redis or memory.
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"oplog"`
	Sync struct {
		// Remote is postgres, nats or empty to keep ops queued locally.
		Remote     string `yaml:"remote"`
		Interval   string `yaml:"interval"`
		BatchSize  int    `yaml:"batch_size"`
		MaxBackoff string `yaml:"max_backoff"`
	} `yaml:"sync"`
	Quiz struct {
		Dir string `yaml:"dir"`
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	NATS struct {
		URL             string `yaml:"url"`
		Stream          string `yaml:"stream"`
		SubjectPrefix   string `yaml:"subject_prefix"`
		DuplicateWindow string `yaml:"duplicate_window"`
	} `yaml:"nats"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Load reads YAML config from path. Values of the form ${VAR} are expanded
// from the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
