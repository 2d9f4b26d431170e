package kdf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/kdf"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    string
		want    kdf.Params
		wantErr bool
	}{
		{name: "empty", spec: "", want: kdf.DefaultPBKDF2Params()},
		{name: "pbkdf2", spec: "pbkdf2", want: kdf.DefaultPBKDF2Params()},
		{
			name: "pbkdf2 options",
			spec: "pbkdf2:iterations=1000,hash=sha512",
			want: &kdf.PBKDF2Params{Iterations: 1000, Hash: kdf.HashSHA512},
		},
		{name: "argon2", spec: "argon2", want: kdf.DefaultArgon2idParams()},
		{
			name: "argon2 preset",
			spec: "argon2id:moderate",
			want: &kdf.Argon2idParams{Iterations: 3, Memory: 64 * 1024, Parallelism: 4},
		},
		{
			name: "argon2 options",
			spec: "argon2:iterations=1,memory=1024,parallelism=2",
			want: &kdf.Argon2idParams{Iterations: 1, Memory: 1024, Parallelism: 2},
		},
		{name: "unknown type", spec: "scrypt", wantErr: true},
		{name: "bad hash", spec: "pbkdf2:hash=md5", wantErr: true},
		{name: "bad iterations", spec: "pbkdf2:iterations=-1", wantErr: true},
		{name: "parallelism overflow", spec: "argon2:parallelism=300", wantErr: true},
		{name: "malformed", spec: "argon2:iterations", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := kdf.ParseSpec(tt.spec)
			if tt.wantErr {
				require.ErrorIs(t, err, kdf.ErrInvalidParams)

				return
			}

			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	for _, params := range []kdf.Params{
		&kdf.PBKDF2Params{Iterations: 10, Hash: kdf.HashSHA256},
		&kdf.Argon2idParams{Iterations: 1, Memory: 64, Parallelism: 1},
	} {
		t.Run(string(params.Type()), func(t *testing.T) {
			t.Parallel()

			first, err := params.DeriveKey([]byte("seed"), []byte("salt"), kdf.KeySize)
			require.NoError(t, err)
			assert.Len(t, first, kdf.KeySize)

			second, err := params.DeriveKey([]byte("seed"), []byte("salt"), kdf.KeySize)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			other, err := params.DeriveKey([]byte("seed"), []byte("pepper"), kdf.KeySize)
			require.NoError(t, err)
			assert.NotEqual(t, first, other)
		})
	}
}

func TestDeriveKeyRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	_, err := (&kdf.PBKDF2Params{}).DeriveKey([]byte("s"), []byte("s"), kdf.KeySize)
	require.ErrorIs(t, err, kdf.ErrInvalidParams)

	_, err = (&kdf.Argon2idParams{Iterations: 1, Memory: 64}).DeriveKey([]byte("s"), []byte("s"), kdf.KeySize)
	require.ErrorIs(t, err, kdf.ErrInvalidParams)
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	params := &kdf.Argon2idParams{Iterations: 2, Memory: 2048, Parallelism: 2}

	data, err := kdf.Marshal(params)
	require.NoError(t, err)

	decoded, err := kdf.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, params.Equal(decoded))

	_, err = kdf.Unmarshal([]byte(`{"type":"bcrypt","params":{}}`))
	require.ErrorIs(t, err, kdf.ErrInvalidParams)
}
