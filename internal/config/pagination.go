package config

import "fmt"

// PaginationConfig holds default/max page sizes for the HTTP façade's list
// endpoints.
type PaginationConfig struct {
	DefaultPageSize int `env:"DURON_DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `env:"DURON_MAX_PAGE_SIZE"`
}

// Validate also fills in the documented defaults (50/100) when unset.
func (c *PaginationConfig) Validate() error {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 50
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 100
	}
	if c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("DURON_MAX_PAGE_SIZE (%d) must be >= DURON_DEFAULT_PAGE_SIZE (%d)", c.MaxPageSize, c.DefaultPageSize)
	}
	return nil
}
