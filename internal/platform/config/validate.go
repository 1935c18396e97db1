package config

import (
	"fmt"
	"strings"
)

const minMasterSecretLength = 32

// Validate performs business-rule validation on the loaded configuration.
func (c *Config) Validate() error {
	if len(c.MasterSecret.Reveal()) < minMasterSecretLength {
		return fmt.Errorf("master_secret must be at least %d bytes", minMasterSecretLength)
	}
	if !c.Server.InMemory && c.Database.URL == "" {
		return fmt.Errorf("database.url is required unless in_memory is set")
	}
	if err := c.Processor.validate(); err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	if c.OTP.DestinationLimit <= 0 {
		return fmt.Errorf("otp.destination_limit must be > 0 (got %d)", c.OTP.DestinationLimit)
	}
	if c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be > 0 (got %d)", c.Audit.BufferSize)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}
	return nil
}

func (p *ProcessorConfig) validate() error {
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0 (got %s)", p.PollInterval)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", p.BatchSize)
	}
	if p.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be > 0 (got %d)", p.PoolSize)
	}
	if p.ClaimLease <= p.CapabilityTimeout {
		return fmt.Errorf("claim_lease (%s) must exceed capability_timeout (%s)", p.ClaimLease, p.CapabilityTimeout)
	}
	if p.RetryBudget < 1 {
		return fmt.Errorf("retry_budget must be >= 1 (got %d)", p.RetryBudget)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1] (got %v)", p.MinConfidence)
	}
	return nil
}
