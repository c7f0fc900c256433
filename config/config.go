package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	RoleHost   string = "host"
	RolePlayer string = "player"
)

const (
	// defaults for when not provided in Config
	EventChannelLength     uint16        = 1024
	SubscriberBufferLength uint16        = 256
	OperationTimeout       time.Duration = time.Millisecond * 3000
	ConnectTimeout         time.Duration = time.Millisecond * 3000
	DisconnectTimeout      time.Duration = time.Millisecond * 1000
	SyncResponseTimeout    time.Duration = time.Millisecond * 500
	DiscoverSettle         time.Duration = time.Millisecond * 100
	DefaultPayloadSize     uint16        = 23
	TargetPayloadSize      uint16        = 512
	SyncSampleCount        uint8         = 5
	HeartbeatInterval      time.Duration = time.Millisecond * 500
	LivenessSweep          time.Duration = time.Millisecond * 1000
	LivenessThreshold      time.Duration = time.Millisecond * 5000
	BuzzWindow             time.Duration = time.Millisecond * 500
	AdvertiseResume        time.Duration = time.Millisecond * 2000
	BuzzMinInterval        time.Duration = time.Millisecond * 250
	ServiceName            string        = "_buzzer._tcp"
	TcpKeepAliveInterval   time.Duration = time.Second * 17
	TcpKeepAliveCount      uint16        = 2
	TcpDialTimeout         time.Duration = time.Second * 3
	TcpReconnectInterval   time.Duration = time.Second * 5
	TcpReconnectLogEvery   uint32        = 12
)

// Config carries millisecond values for all session timings; zero selects the default.
type Config struct {
	Role                   string `yaml:"role" validate:"required,oneof=host player"`
	DeviceName             string `yaml:"deviceName" validate:"required,max=64"`
	EventChannelLength     uint16 `yaml:"eventChannelLength"`
	SubscriberBufferLength uint16 `yaml:"subscriberBufferLength"`

	OperationTimeout    uint16 `yaml:"operationTimeout"`
	ConnectTimeout      uint16 `yaml:"connectTimeout"`
	DisconnectTimeout   uint16 `yaml:"disconnectTimeout"`
	SyncResponseTimeout uint16 `yaml:"syncResponseTimeout"`
	DiscoverSettle      uint16 `yaml:"discoverSettle"`
	DefaultPayloadSize  uint16 `yaml:"defaultPayloadSize" validate:"omitempty,min=20"`
	TargetPayloadSize   uint16 `yaml:"targetPayloadSize" validate:"omitempty,min=20,max=4096"`
	SyncSampleCount     uint8  `yaml:"syncSampleCount" validate:"omitempty,max=64"`
	HeartbeatInterval   uint16 `yaml:"heartbeatInterval"`
	LivenessSweep       uint16 `yaml:"livenessSweep"`
	LivenessThreshold   uint16 `yaml:"livenessThreshold"`
	BuzzWindow          uint16 `yaml:"buzzWindow"`
	AdvertiseResume     uint16 `yaml:"advertiseResume"`
	BuzzMinInterval     uint16 `yaml:"buzzMinInterval"`
	AutoAdvertise       bool   `yaml:"autoAdvertise"`

	ServiceName          string   `yaml:"serviceName"`
	ListenAddress        string   `yaml:"listenAddress"`
	PeerAddressList      []string `yaml:"peerAddressList" validate:"dive,required"`
	TcpKeepAliveInterval uint16   `yaml:"tcpKeepAliveInterval"`
	TcpKeepAliveCount    uint16   `yaml:"tcpKeepAliveCount"`
	TcpDialTimeout       uint16   `yaml:"tcpDialTimeout"`
	TcpReconnectInterval uint16   `yaml:"tcpReconnectInterval"`
	TcpReconnectLogEvery uint32   `yaml:"tcpReconnectLogEvery"`

	QuestionBankPath string `yaml:"questionBankPath"`
	QuestionFile     string `yaml:"questionFile"`
	WebAddress       string `yaml:"webAddress"`
	RadioAdapter     string `yaml:"radioAdapter"`

	LogPrefix string `yaml:"logPrefix"`
	LogDebug  bool   `yaml:"logDebug"`
}

// Timing is the resolved form of Config, with defaults applied.
type Timing struct {
	EventChannelLength     uint16
	SubscriberBufferLength uint16
	OperationTimeout       time.Duration
	ConnectTimeout         time.Duration
	DisconnectTimeout      time.Duration
	SyncResponseTimeout    time.Duration
	DiscoverSettle         time.Duration
	DefaultPayloadSize     uint16
	TargetPayloadSize      uint16
	SyncSampleCount        uint8
	HeartbeatInterval      time.Duration
	LivenessSweep          time.Duration
	LivenessThreshold      time.Duration
	BuzzWindow             time.Duration
	AdvertiseResume        time.Duration
	BuzzMinInterval        time.Duration
}

var validate = validator.New()

// Load reads a yaml config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read config file %s, err=%w", path, err)
		log.Error().Err(err).Send()
		return nil, err
	}

	c := &Config{}
	err = yaml.Unmarshal(data, c)
	if err != nil {
		err = fmt.Errorf("failed to parse config file %s, err=%w", path, err)
		log.Error().Err(err).Send()
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Error().Err(err).Send()
		return err
	}

	err := validate.Struct(c)
	if err != nil {
		err = fmt.Errorf("invalid config, err=%w", err)
		log.Error().Err(err).Send()
		return err
	}

	t := c.Timing()

	if t.TargetPayloadSize < t.DefaultPayloadSize {
		err = fmt.Errorf("invalid TargetPayloadSize=%d, below DefaultPayloadSize=%d", t.TargetPayloadSize, t.DefaultPayloadSize)
		log.Error().Err(err).Send()
		return err
	}

	if t.LivenessThreshold <= t.HeartbeatInterval {
		err = fmt.Errorf("invalid LivenessThreshold=%s, must exceed HeartbeatInterval=%s", t.LivenessThreshold, t.HeartbeatInterval)
		log.Error().Err(err).Send()
		return err
	}

	seen := make(map[string]struct{}, len(c.PeerAddressList))
	for _, address := range c.PeerAddressList {
		_, found := seen[address]
		if found {
			err = fmt.Errorf("duplicate address=%s, invalid PeerAddressList=%+v", address, c.PeerAddressList)
			log.Error().Err(err).Send()
			return err
		}
		seen[address] = struct{}{}
	}

	return nil
}

func (c *Config) Timing() Timing {
	return Timing{
		EventChannelLength:     orDefault(c.EventChannelLength, EventChannelLength),
		SubscriberBufferLength: orDefault(c.SubscriberBufferLength, SubscriberBufferLength),
		OperationTimeout:       millis(c.OperationTimeout, OperationTimeout),
		ConnectTimeout:         millis(c.ConnectTimeout, ConnectTimeout),
		DisconnectTimeout:      millis(c.DisconnectTimeout, DisconnectTimeout),
		SyncResponseTimeout:    millis(c.SyncResponseTimeout, SyncResponseTimeout),
		DiscoverSettle:         millis(c.DiscoverSettle, DiscoverSettle),
		DefaultPayloadSize:     orDefault(c.DefaultPayloadSize, DefaultPayloadSize),
		TargetPayloadSize:      orDefault(c.TargetPayloadSize, TargetPayloadSize),
		SyncSampleCount:        orDefault(c.SyncSampleCount, SyncSampleCount),
		HeartbeatInterval:      millis(c.HeartbeatInterval, HeartbeatInterval),
		LivenessSweep:          millis(c.LivenessSweep, LivenessSweep),
		LivenessThreshold:      millis(c.LivenessThreshold, LivenessThreshold),
		BuzzWindow:             millis(c.BuzzWindow, BuzzWindow),
		AdvertiseResume:        millis(c.AdvertiseResume, AdvertiseResume),
		BuzzMinInterval:        millis(c.BuzzMinInterval, BuzzMinInterval),
	}
}

func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return ServiceName
	}
	return c.ServiceName
}

func (c *Config) GetLogPrefix() string {
	if c.LogPrefix == "" {
		return c.Role
	}
	return c.LogPrefix
}

func orDefault[T uint8 | uint16 | uint32](v T, def T) T {
	if v == 0 {
		return def
	}
	return v
}

func millis(v uint16, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return time.Millisecond * time.Duration(v)
}
