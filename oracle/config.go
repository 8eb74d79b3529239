package oracle

import (
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	Binary         string        `long:"oracle-binary"          description:"Path to the hasher binary supervised by each lane"`
	BasePort       uint16        `long:"oracle-base-port"       description:"First local port for hasher instances; lane N uses base+N"`
	HealthInterval time.Duration `long:"oracle-health-interval" description:"Interval between health probes while waiting for a hasher to come up"`
	HealthAttempts uint          `long:"oracle-health-attempts" description:"Number of health probes before giving up on a starting hasher"`
	StopGrace      time.Duration `long:"oracle-stop-grace"      description:"Grace window between SIGTERM and SIGKILL when stopping a hasher"`
	MemoryKB       uint          `long:"oracle-memory"          description:"Hasher context memory tuning parameter (KB)"`
	Threads        uint          `long:"oracle-threads"         description:"Hasher worker threads tuning parameter"`
}

func DefaultConfig() Config {
	return Config{
		Binary:         "scavenger-hasher",
		BasePort:       17700,
		HealthInterval: 250 * time.Millisecond,
		HealthAttempts: 40,
		StopGrace:      3 * time.Second,
		MemoryKB:       2097152,
		Threads:        4,
	}
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("binary", c.Binary)
	enc.AddUint16("base-port", c.BasePort)
	enc.AddDuration("health-interval", c.HealthInterval)
	enc.AddUint("health-attempts", c.HealthAttempts)
	enc.AddDuration("stop-grace", c.StopGrace)
	return nil
}
