// Package store provides the byte-addressed persistent memory the
// calibration records live in. On the real device this is an FRAM
// part; hosted builds map it onto a small image file.
package store

import (
	"fmt"
	"os"
	"sync"
)

// Fixed address map. Records must not straddle each other.
const (
	// FlowCalAddr is where the flow calibration record lives.
	FlowCalAddr uint32 = 0x0000
	// AdcCalAddr is where the ADC calibration record lives.
	AdcCalAddr uint32 = 0x0100
	// Size is the total persistent window in bytes.
	Size uint32 = 0x0200
)

// Store is fail-capable byte-addressed storage. Reads and writes
// either complete fully or return an error; partial writes are not
// part of the contract.
type Store interface {
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
}

// MemStore is an in-memory store for tests, with fault injection.
type MemStore struct {
	mu         sync.Mutex
	data       [Size]byte
	FailReads  bool
	FailWrites bool
}

// NewMemStore returns a zeroed in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Read copies len(p) bytes starting at addr.
func (m *MemStore) Read(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return fmt.Errorf("injected read failure")
	}
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}
	copy(p, m.data[addr:])
	return nil
}

// Write copies p into the store starting at addr.
func (m *MemStore) Write(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("injected write failure")
	}
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}
	copy(m.data[addr:], p)
	return nil
}

// Corrupt flips one stored byte, for integrity tests.
func (m *MemStore) Corrupt(addr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[addr] ^= 0xff
}

// FileStore persists the byte window in an image file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (creating if needed) an image file of the full
// store size.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, make([]byte, Size), 0644); err != nil {
			return nil, fmt.Errorf("failed to create store image: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat store image: %w", err)
	}
	return s, nil
}

// Read copies len(p) bytes starting at addr from the image file.
func (s *FileStore) Read(addr uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read store image: %w", err)
	}
	if uint32(len(data)) < Size {
		return fmt.Errorf("store image truncated: %d bytes", len(data))
	}
	copy(p, data[addr:])
	return nil
}

// Write copies p into the image file starting at addr.
func (s *FileStore) Write(addr uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkRange(addr, len(p)); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read store image: %w", err)
	}
	if uint32(len(data)) < Size {
		data = append(data, make([]byte, Size-uint32(len(data)))...)
	}
	copy(data[addr:], p)
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write store image: %w", err)
	}
	return nil
}

// checkRange rejects accesses that run past the store window.
func checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(Size) {
		return fmt.Errorf("access [0x%04x, +%d) outside store window", addr, n)
	}
	return nil
}
