// Package conninfo turns persistence-unit properties into a normalized
// connection descriptor: which Go driver to open, the DSN, the credentials and
// the pool settings.
//
// Properties are applied by a chain of Readers. The default chain understands
// the JPA (javax/jakarta) keys, the Hibernate connection keys and the dbwire
// pool keys; later readers override earlier ones.
package conninfo

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Info is the normalized connection descriptor of one persistence unit.
type Info struct {
	// PersistenceUnitName is the unit the info was built for.
	PersistenceUnitName string `json:"persistence_unit" validate:"required"`

	// JNDIName identifies the data source; units sharing it share one pool.
	JNDIName string `json:"jndi_name" validate:"required"`

	// DriverClass is the JDBC-style driver class as written in the properties.
	DriverClass string `json:"driver_class,omitempty"`

	// Driver is the database/sql driver name.
	Driver string `json:"driver" validate:"required"`

	// URL is the connection URL as written in the properties.
	URL string `json:"url" validate:"required"`

	// DSN is the data source name handed to sql.Open.
	DSN string `json:"dsn"`

	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	ServerName   string `json:"server_name,omitempty"`
	Port         int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	DatabaseName string `json:"database_name,omitempty"`

	// TransactionIsolation is one of the isolation level names accepted by
	// IsolationLevel, or empty for the driver default.
	TransactionIsolation string `json:"transaction_isolation,omitempty" validate:"omitempty,oneof=READ_UNCOMMITTED READ_COMMITTED WRITE_COMMITTED REPEATABLE_READ SNAPSHOT SERIALIZABLE LINEARIZABLE"`

	MinPoolSize    int           `json:"min_pool_size" validate:"gte=0"`
	MaxPoolSize    int           `json:"max_pool_size" validate:"gte=0"`
	MaxIdleTime    time.Duration `json:"max_idle_time,omitempty" validate:"gte=0"`
	MaxLifetime    time.Duration `json:"max_lifetime,omitempty" validate:"gte=0"`
	AcquireTimeout time.Duration `json:"acquire_timeout,omitempty" validate:"gte=0"`
	Prefill        bool          `json:"prefill,omitempty"`
	TestQuery      string        `json:"test_query,omitempty"`

	// Extra holds properties no reader consumed.
	Extra map[string]string `json:"extra,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func infoValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks required fields and pool bounds.
func (i *Info) Validate() error {
	if err := infoValidator().Struct(i); err != nil {
		return fmt.Errorf("connection info for %q: %w", i.PersistenceUnitName, err)
	}
	if i.MaxPoolSize > 0 && i.MaxPoolSize < i.MinPoolSize {
		return fmt.Errorf("connection info for %q: max pool size %d is below min pool size %d",
			i.PersistenceUnitName, i.MaxPoolSize, i.MinPoolSize)
	}
	return nil
}

// String renders the info with the password redacted.
func (i *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unit=%s jndi=%s driver=%s url=%s", i.PersistenceUnitName, i.JNDIName, i.Driver, i.URL)
	if i.Username != "" {
		fmt.Fprintf(&b, " user=%s", i.Username)
	}
	if i.Password != "" {
		b.WriteString(" password=****")
	}
	fmt.Fprintf(&b, " pool=%d..%d", i.MinPoolSize, i.MaxPoolSize)
	if i.TransactionIsolation != "" {
		fmt.Fprintf(&b, " isolation=%s", i.TransactionIsolation)
	}
	return b.String()
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	cp := *i
	if i.Extra != nil {
		cp.Extra = make(map[string]string, len(i.Extra))
		for k, v := range i.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}
