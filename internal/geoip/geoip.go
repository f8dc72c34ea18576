// Package geoip enriches download logs with the client's location.
package geoip

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// UnknownCountry is reported when no database is loaded or the lookup fails.
const UnknownCountry = "XX"

type Locator struct {
	reader *geoip2.Reader
	mu     sync.RWMutex
}

// Open loads the MaxMind City database at path. An empty path or an
// unreadable file yields a Locator that reports every address as unknown.
func Open(path string) *Locator {
	if path == "" {
		return &Locator{}
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("could not load GeoIP database")
		return &Locator{}
	}

	log.Info().
		Str("path", path).
		Msg("loaded GeoIP database")
	return &Locator{reader: reader}
}

// Location contains geographic information about an IP address
type Location struct {
	CountryCode string
	City        string
	Region      string
}

// Lookup accepts a bare IP or a host:port pair.
func (l *Locator) Lookup(addr string) Location {
	unknown := Location{CountryCode: UnknownCountry}
	if l == nil {
		return unknown
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return unknown
	}

	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return unknown
	}

	record, err := l.reader.City(ip)
	if err != nil {
		log.Debug().
			Err(err).
			Str("ip", addr).
			Msg("GeoIP lookup failed")
		return unknown
	}

	loc := unknown
	if record.Country.IsoCode != "" {
		loc.CountryCode = record.Country.IsoCode
	}
	loc.City = record.City.Names["en"]
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	return loc
}

func (l *Locator) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader != nil {
		if err := l.reader.Close(); err != nil {
			log.Error().
				Err(err).
				Msg("failed to close GeoIP database")
		}
		l.reader = nil
	}
}
