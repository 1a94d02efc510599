package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupStatus(t *testing.T) {
	def := LookupStatus(0x2010)
	assert.Equal(t, "Making power", def.Description)
	assert.Equal(t, SeverityGood, def.Severity)

	def = LookupStatus(0x7100)
	assert.Equal(t, "Overheating", def.Description)
	assert.Equal(t, SeverityBad, def.Severity)

	def = LookupStatus(0x0300)
	assert.Equal(t, "Standby", def.Description)
	assert.Equal(t, SeverityNeutral, def.Severity)
}

func TestLookupStatusFallsBackToUndefined(t *testing.T) {
	def := LookupStatus(0xDEAD)
	assert.Equal(t, uint32(0), def.Code)
	assert.Equal(t, "Undefined", def.Description)
	assert.Equal(t, SeverityNeutral, def.Severity)
}

func TestStatusCatalogIsUniqueAndCopied(t *testing.T) {
	catalog := StatusCatalog()
	assert.Len(t, catalog, 33)

	codes := make(map[uint32]bool)
	for _, def := range catalog {
		assert.False(t, codes[def.Code], "duplicate code %#x", def.Code)
		codes[def.Code] = true
	}

	catalog[0].Description = "changed"
	assert.Equal(t, "Undefined", LookupStatus(0).Description)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "good", SeverityGood.String())
	assert.Equal(t, "bad", SeverityBad.String())
	assert.Equal(t, "neutral", SeverityNeutral.String())
}
