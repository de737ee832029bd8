package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsXXHashLengthAndStability(t *testing.T) {
	a := AsXXHash([]byte("fastq"), []byte("ubam"))
	b := AsXXHash([]byte("fastq"), []byte("ubam"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, AsXXHash([]byte("fastq")))
}

func TestFingerprintInputsIsOrderIndependent(t *testing.T) {
	a := FingerprintInputs(map[string]string{
		"FQ1": "gs://b/s1_1.fastq.gz",
		"FQ2": "gs://b/s1_2.fastq.gz",
	})
	b := FingerprintInputs(map[string]string{
		"FQ2": "gs://b/s1_2.fastq.gz",
		"FQ1": "gs://b/s1_1.fastq.gz",
	})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestFingerprintInputsDistinguishesBindings(t *testing.T) {
	a := FingerprintInputs(map[string]string{"FQ1": "gs://b/x", "FQ2": "gs://b/y"})
	b := FingerprintInputs(map[string]string{"FQ1": "gs://b/y", "FQ2": "gs://b/x"})
	assert.NotEqual(t, a, b)

	// Key/value boundaries matter: ("ab","c") is not ("a","bc").
	c := FingerprintInputs(map[string]string{"ab": "c"})
	d := FingerprintInputs(map[string]string{"a": "bc"})
	assert.NotEqual(t, c, d)
}
