package db

// Config carries the connection settings for the fleet database. Pool values
// of zero leave the driver defaults in place.
type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
}
