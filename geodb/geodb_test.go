package geodb

import (
	"encoding/json"
	"testing"

	"appfw/testutils"
	"appfw/waf"

	"github.com/google/btree"
	"github.com/stretchr/testify/assert"
)

// A sample from a real geo data set.
var testRecords = []waf.GeoIPDataRecord{
	{StartIP: 1143547336, EndIP: 1143547336, CountryCode: "US"},
	{StartIP: 1491692113, EndIP: 1491692113, CountryCode: "TR"},
	{StartIP: 1524801328, EndIP: 1524801343, CountryCode: "SE"},
	{StartIP: 1823934982, EndIP: 1823934982, CountryCode: "US"},
	{StartIP: 1878097675, EndIP: 1878097719, CountryCode: "TW"},
	{StartIP: 2534662836, EndIP: 2534662839, CountryCode: "IT"},
	{StartIP: 2999725405, EndIP: 2999725405, CountryCode: "RU"},
	{StartIP: 3144112629, EndIP: 3144112629, CountryCode: "BR"},
}

const testCachePath = "geoipdatacache.json"

type mockFileSystem struct {
	files map[string][]byte
}

func newMockFileSystem() *mockFileSystem {
	return &mockFileSystem{files: make(map[string][]byte)}
}

func (mfs *mockFileSystem) ReadFile(filename string) (buf []byte, err error) {
	if data, ok := mfs.files[filename]; ok {
		return data, nil
	}
	return
}

func (mfs *mockFileSystem) WriteFile(filename string, buf []byte) error {
	mfs.files[filename] = buf
	return nil
}

func TestNewGeoDBLoadsCache(t *testing.T) {
	assert := assert.New(t)

	// Arrange: a cache file from a previous run.
	mfs := newMockFileSystem()
	encoded, _ := json.Marshal(testRecords)
	mfs.files[testCachePath] = encoded

	// Act
	db := NewGeoDB(testutils.NewTestLogger(t), testCachePath, mfs)

	// Assert
	assert.Equal("TW", db.GeoLookup("111.241.127.33"))
}

func TestPutGeoIPDataWritesCache(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	mfs := newMockFileSystem()
	db := NewGeoDB(testutils.NewTestLogger(t), testCachePath, mfs)

	// Act
	err := db.PutGeoIPData(testRecords)

	// Assert
	assert.Nil(err)
	assert.NotNil(mfs.files[testCachePath])
	assert.Equal("SE", db.GeoLookup("90.228.116.48"))
}

func TestGeoLookup(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	db := &geoDBImpl{tree: btree.New(2)}
	for _, rec := range testRecords {
		db.tree.ReplaceOrInsert(rangeNode{StartIP: rec.StartIP, EndIP: rec.EndIP, CountryCode: rec.CountryCode})
	}

	// The TW record spans 1878097675..1878097719.
	assert.Equal("TW", db.GeoLookup("111.241.127.11"))
	assert.Equal("TW", db.GeoLookup("111.241.127.33"))
	assert.Equal("TW", db.GeoLookup("111.241.127.55"))

	// Reserved and unknown addresses yield "".
	assert.Zero(db.GeoLookup("0.0.0.0"))
	assert.Zero(db.GeoLookup("8.8.8.8"))
	assert.Zero(db.GeoLookup("not-an-ip"))
}

func TestRangeNodeLess(t *testing.T) {
	assert := assert.New(t)

	lowRange := rangeNode{StartIP: 0x00112233, EndIP: 0x44556677}
	lowPoint := rangeNode{StartIP: lowRange.StartIP, EndIP: lowRange.StartIP}
	highRange := rangeNode{StartIP: 0x8899aabb, EndIP: 0xccddeeff}

	assert.True(lowRange.Less(highRange))
	assert.True(lowPoint.Less(highRange))
	assert.False(lowPoint.Less(lowRange))
	assert.False(lowRange.Less(lowPoint))
}

func TestValidateRecordsNoError(t *testing.T) {
	records := []waf.GeoIPDataRecord{
		{StartIP: 0xc0000000, EndIP: 0xffffffff, CountryCode: "cf"},
		{StartIP: 0x80000000, EndIP: 0xbfffffff, CountryCode: "8b"},
		{StartIP: 0x40000000, EndIP: 0x7fffffff, CountryCode: "47"},
		{StartIP: 0x00000000, EndIP: 0x3fffffff, CountryCode: "03"},
	}

	assert.Nil(t, validateRecords(records))
}

func TestValidateRecordsInvertedRange(t *testing.T) {
	records := []waf.GeoIPDataRecord{
		{StartIP: 0xffffffff, EndIP: 0xc0000000, CountryCode: "fc"},
	}

	assert.Error(t, validateRecords(records))
}

func TestValidateRecordsOverlap(t *testing.T) {
	records := []waf.GeoIPDataRecord{
		{StartIP: 0x00000000, EndIP: 0x3fffffff, CountryCode: "03"},
		{StartIP: 0x40000000, EndIP: 0x7fffffff, CountryCode: "47"},
		{StartIP: 0xbabeface, EndIP: 0xdeadbeef, CountryCode: "bd"},
		{StartIP: 0xc0000000, EndIP: 0xffffffff, CountryCode: "cf"},
	}

	assert.Error(t, validateRecords(records))
}
