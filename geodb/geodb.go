// Package geodb maps IPv4 addresses to ISO country codes using an in-memory
// range tree, with a JSON cache file so lookups survive restarts without
// re-ingesting the data set.
package geodb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"appfw/waf"

	"github.com/google/btree"
	"github.com/rs/zerolog"
)

// NewGeoDB creates the GeoIP database, loading a previously cached data set
// from cachePath when one exists.
func NewGeoDB(logger zerolog.Logger, cachePath string, fs FileSystem) waf.GeoDB {
	db := &geoDBImpl{tree: btree.New(2), logger: logger, cachePath: cachePath, fs: fs}

	if records, err := db.readCache(); err == nil {
		db.rebuildTree(records)
	}

	return db
}

type geoDBImpl struct {
	tree      *btree.BTree
	logger    zerolog.Logger
	cachePath string
	fs        FileSystem
}

// PutGeoIPData replaces the data set. The incoming records are validated for
// range sanity and overlaps, cached to disk, and swapped in atomically.
func (db *geoDBImpl) PutGeoIPData(records []waf.GeoIPDataRecord) (err error) {
	if err = validateRecords(records); err != nil {
		db.logger.Err(err).Msg("Error while validating GeoIP data set")
		return
	}

	if err = db.writeCache(records); err != nil {
		db.logger.Err(err).Msg("Error while writing GeoIP data set to cache")
	}

	db.rebuildTree(records)
	return
}

// GeoLookup returns the country code for an address, or "" on a miss.
// Misses on routable addresses are logged; special-purpose (RFC 6890)
// addresses are expected to miss and stay quiet.
func (db *geoDBImpl) GeoLookup(ipAddr string) (countryCode string) {
	ip, err := ParseIPAddress(ipAddr)
	if err != nil {
		return
	}

	found := db.tree.Get(rangeNode{StartIP: ip, EndIP: ip})
	if found == nil || len(found.(rangeNode).CountryCode) != 2 {
		if special, _ := IsSpecialPurposeAddress(ipAddr); !special {
			db.logger.Warn().Msgf("GeoDB failed to look up record for IP address %s", ipAddr)
		}
		return
	}

	countryCode = found.(rangeNode).CountryCode
	return
}

func (db *geoDBImpl) rebuildTree(records []waf.GeoIPDataRecord) {
	newTree := btree.New(2)
	for _, rec := range records {
		newTree.ReplaceOrInsert(rangeNode{
			StartIP:     rec.StartIP,
			EndIP:       rec.EndIP,
			CountryCode: strings.ToUpper(strings.TrimSpace(rec.CountryCode)),
		})
	}

	db.tree = newTree
}

func (db *geoDBImpl) writeCache(records []waf.GeoIPDataRecord) (err error) {
	bytes, err := json.Marshal(records)
	if err != nil {
		return
	}
	return db.fs.WriteFile(db.cachePath, bytes)
}

func (db *geoDBImpl) readCache() (records []waf.GeoIPDataRecord, err error) {
	bytes, err := db.fs.ReadFile(db.cachePath)
	if err != nil {
		return
	}
	err = json.Unmarshal(bytes, &records)
	return
}

func validateRecords(records []waf.GeoIPDataRecord) (err error) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartIP < records[j].StartIP
	})

	for i, curr := range records {
		if curr.StartIP > curr.EndIP {
			err = fmt.Errorf("GeoIP data record (%s, %s, %s) has StartIP greater than EndIP",
				ToOctets(curr.StartIP), ToOctets(curr.EndIP), curr.CountryCode)
			return
		}

		if i == 0 {
			continue
		}

		prev := records[i-1]
		if curr.StartIP <= prev.EndIP {
			err = fmt.Errorf("overlap between GeoIP data records (%s, %s, %s) and (%s, %s, %s)",
				ToOctets(prev.StartIP), ToOctets(prev.EndIP), prev.CountryCode,
				ToOctets(curr.StartIP), ToOctets(curr.EndIP), curr.CountryCode)
			return
		}
	}

	return
}

// rangeNode orders ranges so a point lookup finds its containing range: a
// point node is Less than a range only when it lies entirely below it, so
// Get on a point returns the range that contains it.
type rangeNode struct {
	StartIP     uint32
	EndIP       uint32
	CountryCode string
}

func (node rangeNode) Less(other btree.Item) bool {
	return node.StartIP < other.(rangeNode).StartIP && node.EndIP < other.(rangeNode).EndIP
}
