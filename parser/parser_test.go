package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ReadingLine(t *testing.T) {
	rec, err := Parse([]byte("20,1610000000,1234.567\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"20", "1610000000", "1234.567"}, rec.Fields)
	assert.Equal(t, "20", rec.Tag())
	assert.Equal(t, "1610000000", rec.Timestamp())
	assert.Equal(t, "1234.567", rec.Value())
}

func TestParse_DecoderDateFormat(t *testing.T) {
	rec, err := Parse([]byte("10/18/26,10:44:07,  412.800000 \r\n"))
	require.NoError(t, err)
	assert.Equal(t, "  412.800000 ", rec.Value())
}

func TestParse_ShapeMismatch(t *testing.T) {
	lines := []string{
		"garbage,data",
		"",
		"\n",
		"Efergy Energy Monitor Decoder",
		"Checksum/CEC Error.  Enable debug output with -d option",
		" 20,1610000000,1234.5",
		"-20,1610000000,1234.5",
		"x20,1610000000,1234.5",
		"٣,1610000000,1234.5", // Arabic-Indic digit is not ASCII
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, err := Parse([]byte(line))
			assert.ErrorIs(t, err, ErrNoMatch)
		})
	}
}

func TestParse_FieldCount(t *testing.T) {
	lines := []string{
		"20",
		"20,1610000000",
		"20,1610000000,1234.5,extra",
		"20,,,",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, err := Parse([]byte(line))
			assert.ErrorIs(t, err, ErrFieldCount)
		})
	}
}

func TestParse_EmptyFieldsStillThree(t *testing.T) {
	rec, err := Parse([]byte("2,,"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "", ""}, rec.Fields)
}

func TestParse_InvalidUTF8(t *testing.T) {
	_, err := Parse([]byte{'2', '0', ',', 0xff, 0xfe, ',', '1'})

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Len(t, decodeErr.Line, 7)
}
