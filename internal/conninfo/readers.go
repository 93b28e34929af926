package conninfo

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/dbwire/internal/descriptor"
)

// Reader copies the properties it understands into info.
type Reader interface {
	Populate(unit descriptor.Unit, props Properties, info *Info) error
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(unit descriptor.Unit, props Properties, info *Info) error

// Populate implements Reader.
func (f ReaderFunc) Populate(unit descriptor.Unit, props Properties, info *Info) error {
	return f(unit, props, info)
}

// keyed is implemented by readers that declare the property keys they consume.
// Keys not consumed by any reader end up in Info.Extra.
type keyed interface {
	Keys() []string
}

// JPA property keys (javax and jakarta namespaces).
const (
	KeyJavaxURL      = "javax.persistence.jdbc.url"
	KeyJavaxUser     = "javax.persistence.jdbc.user"
	KeyJavaxPassword = "javax.persistence.jdbc.password"
	KeyJavaxDriver   = "javax.persistence.jdbc.driver"

	KeyJakartaURL      = "jakarta.persistence.jdbc.url"
	KeyJakartaUser     = "jakarta.persistence.jdbc.user"
	KeyJakartaPassword = "jakarta.persistence.jdbc.password"
	KeyJakartaDriver   = "jakarta.persistence.jdbc.driver"
)

// Hibernate connection keys.
const (
	KeyHibernateURL         = "hibernate.connection.url"
	KeyHibernateUser        = "hibernate.connection.user"
	KeyHibernateUsername    = "hibernate.connection.username"
	KeyHibernatePassword    = "hibernate.connection.password"
	KeyHibernateDriverClass = "hibernate.connection.driver_class"
	KeyHibernateIsolation   = "hibernate.connection.isolation"
	KeyHibernatePoolSize    = "hibernate.connection.pool_size"
)

// dbwire pool and data source keys.
const (
	KeyJNDI           = "dbwire.jndi"
	KeyDriver         = "dbwire.driver"
	KeyServerName     = "dbwire.server-name"
	KeyPort           = "dbwire.port"
	KeyDatabaseName   = "dbwire.database-name"
	KeyIsolation      = "dbwire.isolation"
	KeyPoolMin        = "dbwire.pool.min"
	KeyPoolMax        = "dbwire.pool.max"
	KeyMaxIdleTime    = "dbwire.pool.max-idle-time"
	KeyMaxLifetime    = "dbwire.pool.max-lifetime"
	KeyAcquireTimeout = "dbwire.pool.acquire-timeout"
	KeyPrefill        = "dbwire.pool.prefill"
	KeyTestQuery      = "dbwire.pool.test-query"
)

// JPAReader reads the standard persistence.jdbc keys. jakarta wins over javax.
type JPAReader struct{}

// Keys implements keyed.
func (JPAReader) Keys() []string {
	return []string{
		KeyJavaxURL, KeyJavaxUser, KeyJavaxPassword, KeyJavaxDriver,
		KeyJakartaURL, KeyJakartaUser, KeyJakartaPassword, KeyJakartaDriver,
	}
}

// Populate implements Reader.
func (JPAReader) Populate(_ descriptor.Unit, props Properties, info *Info) error {
	if v, ok := props.First(KeyJakartaURL, KeyJavaxURL); ok {
		info.URL = v
	}
	if v, ok := props.First(KeyJakartaUser, KeyJavaxUser); ok {
		info.Username = v
	}
	if v, ok := props.First(KeyJakartaPassword, KeyJavaxPassword); ok {
		info.Password = v
	}
	if v, ok := props.First(KeyJakartaDriver, KeyJavaxDriver); ok {
		info.DriverClass = v
	}
	return nil
}

// HibernateReader reads hibernate.connection.* keys.
type HibernateReader struct{}

// Keys implements keyed.
func (HibernateReader) Keys() []string {
	return []string{
		KeyHibernateURL, KeyHibernateUser, KeyHibernateUsername, KeyHibernatePassword,
		KeyHibernateDriverClass, KeyHibernateIsolation, KeyHibernatePoolSize,
	}
}

// Populate implements Reader.
func (HibernateReader) Populate(_ descriptor.Unit, props Properties, info *Info) error {
	if v, ok := props.Get(KeyHibernateURL); ok {
		info.URL = v
	}
	if v, ok := props.First(KeyHibernateUser, KeyHibernateUsername); ok {
		info.Username = v
	}
	if v, ok := props.Get(KeyHibernatePassword); ok {
		info.Password = v
	}
	if v, ok := props.Get(KeyHibernateDriverClass); ok {
		info.DriverClass = v
	}
	if v, ok := props.Get(KeyHibernateIsolation); ok {
		info.TransactionIsolation = NormalizeIsolation(v)
	}
	n, ok, err := props.Int(KeyHibernatePoolSize)
	if err != nil {
		return err
	}
	if ok {
		info.MaxPoolSize = n
	}
	return nil
}

// PoolReader reads the dbwire.* keys.
type PoolReader struct{}

// Keys implements keyed.
func (PoolReader) Keys() []string {
	return []string{
		KeyJNDI, KeyDriver, KeyServerName, KeyPort, KeyDatabaseName, KeyIsolation,
		KeyPoolMin, KeyPoolMax, KeyMaxIdleTime, KeyMaxLifetime, KeyAcquireTimeout,
		KeyPrefill, KeyTestQuery,
	}
}

// Populate implements Reader. All parse failures are reported together.
func (PoolReader) Populate(_ descriptor.Unit, props Properties, info *Info) error {
	if v, ok := props.Get(KeyJNDI); ok && v != "" {
		info.JNDIName = v
	}
	if v, ok := props.Get(KeyDriver); ok {
		info.Driver = v
	}
	if v, ok := props.Get(KeyServerName); ok {
		info.ServerName = v
	}
	if v, ok := props.Get(KeyDatabaseName); ok {
		info.DatabaseName = v
	}
	if v, ok := props.Get(KeyIsolation); ok {
		info.TransactionIsolation = NormalizeIsolation(v)
	}
	if v, ok := props.Get(KeyTestQuery); ok {
		info.TestQuery = v
	}

	var errs error
	setInt := func(key string, dst *int) {
		n, ok, err := props.Int(key)
		errs = multierr.Append(errs, err)
		if ok && err == nil {
			*dst = n
		}
	}
	setInt(KeyPort, &info.Port)
	setInt(KeyPoolMin, &info.MinPoolSize)
	setInt(KeyPoolMax, &info.MaxPoolSize)

	setDuration := func(key string, dst *time.Duration) {
		d, ok, err := props.Duration(key)
		errs = multierr.Append(errs, err)
		if ok && err == nil {
			*dst = d
		}
	}
	setDuration(KeyMaxIdleTime, &info.MaxIdleTime)
	setDuration(KeyMaxLifetime, &info.MaxLifetime)
	setDuration(KeyAcquireTimeout, &info.AcquireTimeout)

	b, ok, err := props.Bool(KeyPrefill)
	errs = multierr.Append(errs, err)
	if ok && err == nil {
		info.Prefill = b
	}
	return errs
}

// DefaultReaders is the reader chain used when none is configured.
func DefaultReaders() []Reader {
	return []Reader{JPAReader{}, HibernateReader{}, PoolReader{}}
}

// Build produces the connection info for unit.
//
// The JNDI name defaults to the unit's jta-data-source, then its
// non-jta-data-source; a dbwire.jndi property overrides both. Driver and DSN
// are derived from the driver class and URL unless a reader set them.
func Build(unit descriptor.Unit, props Properties, readers ...Reader) (*Info, error) {
	if len(readers) == 0 {
		readers = DefaultReaders()
	}

	info := &Info{
		PersistenceUnitName: unit.Name,
		JNDIName:            unit.JTADataSource,
	}
	if info.JNDIName == "" {
		info.JNDIName = unit.NonJTADataSource
	}

	consumed := make(map[string]struct{})
	for _, r := range readers {
		if err := r.Populate(unit, props, info); err != nil {
			return nil, fmt.Errorf("build connection info for %q: %w", unit.Name, err)
		}
		if k, ok := r.(keyed); ok {
			for _, key := range k.Keys() {
				consumed[key] = struct{}{}
			}
		}
	}

	driver, dsn := ResolveDriver(info.DriverClass, info.URL)
	if info.Driver == "" {
		info.Driver = driver
	}
	if info.DSN == "" {
		info.DSN = dsn
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		if _, ok := consumed[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if info.Extra == nil {
			info.Extra = make(map[string]string)
		}
		info.Extra[k] = props[k]
	}
	return info, nil
}
