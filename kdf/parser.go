package kdf

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSpec parses a KDF specification such as "pbkdf2",
// "pbkdf2:iterations=100000,hash=sha512", "argon2id:moderate" or
// "argon2:iterations=3,memory=65536,parallelism=4". An empty spec
// selects default PBKDF2.
func ParseSpec(spec string) (Params, error) {
	name, options, _ := strings.Cut(strings.TrimSpace(spec), ":")

	switch strings.ToLower(name) {
	case "", "pbkdf2":
		return parsePBKDF2(options)
	case "argon2", "argon2id":
		return parseArgon2(options)
	default:
		return nil, fmt.Errorf("%w: unknown KDF type %q", ErrInvalidParams, name)
	}
}

func parsePBKDF2(options string) (Params, error) {
	params := DefaultPBKDF2Params()

	if options == "" || options == "default" {
		return params, nil
	}

	pairs, err := splitOptions(options)
	if err != nil {
		return nil, err
	}

	for key, value := range pairs {
		switch key {
		case "iterations":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: invalid iterations %q", ErrInvalidParams, value)
			}

			params.Iterations = n
		case "hash":
			params.Hash = HashType(strings.ToLower(value))
			if _, err := params.prf(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown pbkdf2 option %q", ErrInvalidParams, key)
		}
	}

	return params, nil
}

func parseArgon2(options string) (Params, error) {
	if options == "" {
		return DefaultArgon2idParams(), nil
	}

	if preset, ok := argon2Presets[options]; ok {
		return &preset, nil
	}

	pairs, err := splitOptions(options)
	if err != nil {
		return nil, err
	}

	params := DefaultArgon2idParams()

	for key, value := range pairs {
		var (
			n   uint64
			err error
		)

		switch key {
		case "iterations":
			n, err = parseBounded(value, math.MaxUint32)
			params.Iterations = uint32(n)
		case "memory":
			n, err = parseBounded(value, math.MaxUint32)
			params.Memory = uint32(n)
		case "parallelism":
			n, err = parseBounded(value, math.MaxUint8)
			params.Parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("%w: unknown argon2id option %q", ErrInvalidParams, key)
		}

		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	return params, nil
}

func parseBounded(value string, limit uint64) (uint64, error) {
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil || n == 0 || n > limit {
		return 0, fmt.Errorf("%w: %q must be between 1 and %d", ErrInvalidParams, value, limit)
	}

	return n, nil
}

func splitOptions(options string) (map[string]string, error) {
	pairs := make(map[string]string)

	for _, field := range strings.Split(options, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed option %q", ErrInvalidParams, field)
		}

		pairs[strings.ToLower(key)] = strings.TrimSpace(value)
	}

	return pairs, nil
}
