package plugin

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Native symbol names. Every function returning a pointer-sized value returns an error
// string (NULL on success) that the host releases with ss_free_string.
const (
	symInfo               = "ss_info"
	symFreeInfo           = "ss_free_info"
	symValidate           = "ss_validate"
	symExtractCredentials = "ss_extract_credentials"
	symReadCloud          = "ss_read_cloud"
	symFreeFileDetails    = "ss_free_file_details"
	symDownload           = "ss_download"
	symFreeBuffer         = "ss_free_buffer"
	symUpload             = "ss_upload"
	symRemove             = "ss_remove"
	symAbort              = "ss_abort"
	symFreeString         = "ss_free_string"
)

// cInfo mirrors ss_plugin_info.
type cInfo struct {
	name        unsafe.Pointer
	description unsafe.Pointer
	author      unsafe.Pointer
	iconURL     unsafe.Pointer
}

// cFileDetails mirrors ss_file_details.
type cFileDetails struct {
	tag          unsafe.Pointer
	folderName   unsafe.Pointer
	lastModified uint64
	data         unsafe.Pointer
	dataLen      uint64
}

// nativeBackend calls into a dynamic library through purego. All pointer handling and
// ownership transfer happens in this file: nothing allocated by the module escapes it,
// every value is copied into Go memory and then handed back to the matching ss_free_* call.
type nativeBackend struct {
	path   string
	handle uintptr

	mu     sync.RWMutex
	closed bool

	info               func() unsafe.Pointer
	freeInfo           func(info unsafe.Pointer)
	validate           func(credentials, redirectURI string, authURL *unsafe.Pointer) unsafe.Pointer
	extractCredentials func(callbackURL string, credentials *unsafe.Pointer) unsafe.Pointer
	readCloud          func(credentials string, details *unsafe.Pointer, count *uint64) unsafe.Pointer
	freeFileDetails    func(details unsafe.Pointer, count uint64)
	download           func(credentials, tag, folder string, buf *unsafe.Pointer, size *uint64) unsafe.Pointer
	freeBuffer         func(buf unsafe.Pointer, size uint64)
	upload             func(credentials, tag, folder string, modified uint64, buf *byte, size uint64) unsafe.Pointer
	remove             func(credentials, tag, folder string) unsafe.Pointer
	abort              func() unsafe.Pointer
	freeString         func(s unsafe.Pointer)
}

type nativeBinding struct {
	capability string
	symbol     string
	fn         any
	optional   bool
}

func openNative(path string) (*nativeBackend, error) {
	handle, err := openLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}

	b := &nativeBackend{path: path, handle: handle}
	bindings := []nativeBinding{
		{CapInfo, symInfo, &b.info, false},
		{CapInfo, symFreeInfo, &b.freeInfo, false},
		{CapValidate, symValidate, &b.validate, false},
		{CapExtractCredentials, symExtractCredentials, &b.extractCredentials, false},
		{CapReadCloud, symReadCloud, &b.readCloud, false},
		{CapReadCloud, symFreeFileDetails, &b.freeFileDetails, false},
		{CapDownload, symDownload, &b.download, false},
		{CapDownload, symFreeBuffer, &b.freeBuffer, false},
		{CapUpload, symUpload, &b.upload, false},
		{CapRemove, symRemove, &b.remove, false},
		{"free_string", symFreeString, &b.freeString, false},
		{CapAbort, symAbort, &b.abort, true},
	}

	for _, binding := range bindings {
		sym, err := lookupSymbol(handle, binding.symbol)
		if err != nil || sym == 0 {
			if binding.optional {
				continue
			}
			closeLibrary(handle)
			return nil, &MissingCapabilityError{Capability: binding.symbol}
		}
		purego.RegisterFunc(binding.fn, sym)
	}

	return b, nil
}

func (b *nativeBackend) Kind() Kind { return KindNative }

func (b *nativeBackend) Info(ctx context.Context) (*Metadata, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	p := b.info()
	if p == nil {
		return nil, &ContractViolationError{Capability: CapInfo, Field: "info", Detail: "null pointer"}
	}
	defer b.freeInfo(p)

	ci := (*cInfo)(p)
	meta := &Metadata{
		Name:        cString(ci.name),
		Description: cString(ci.description),
		Author:      cString(ci.author),
		IconURL:     cString(ci.iconURL),
		Kind:        KindNative,
	}
	if meta.Name == "" {
		return nil, &ContractViolationError{Capability: CapInfo, Field: "name", Detail: "empty"}
	}
	return meta, nil
}

func (b *nativeBackend) Validate(ctx context.Context, credentials, redirectURI string) (string, error) {
	if err := b.enter(ctx); err != nil {
		return "", err
	}
	defer b.mu.RUnlock()

	var authURL unsafe.Pointer
	ret := b.validate(credentials, redirectURI, &authURL)
	url, _ := b.takeString(authURL)
	if msg, failed := b.takeString(ret); failed {
		return url, &CapabilityError{Capability: CapValidate, Message: msg}
	}
	return url, nil
}

func (b *nativeBackend) ExtractCredentials(ctx context.Context, callbackURL string) (string, error) {
	if err := b.enter(ctx); err != nil {
		return "", err
	}
	defer b.mu.RUnlock()

	var out unsafe.Pointer
	ret := b.extractCredentials(callbackURL, &out)
	creds, ok := b.takeString(out)
	if msg, failed := b.takeString(ret); failed {
		return "", &CapabilityError{Capability: CapExtractCredentials, Message: msg}
	}
	if !ok {
		return "", &ContractViolationError{Capability: CapExtractCredentials, Field: "credentials", Detail: "both result and error are empty"}
	}
	return creds, nil
}

func (b *nativeBackend) ReadCloud(ctx context.Context, credentials string) ([]*FileDetails, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	var details unsafe.Pointer
	var count uint64
	ret := b.readCloud(credentials, &details, &count)
	if details != nil {
		defer b.freeFileDetails(details, count)
	}
	if msg, failed := b.takeString(ret); failed {
		return nil, &CapabilityError{Capability: CapReadCloud, Message: msg}
	}
	if count == 0 {
		return nil, nil
	}
	if details == nil {
		return nil, &ContractViolationError{Capability: CapReadCloud, Field: "details", Detail: fmt.Sprintf("null array with count %d", count)}
	}

	entries := unsafe.Slice((*cFileDetails)(details), count)
	out := make([]*FileDetails, 0, len(entries))
	for i, e := range entries {
		if e.folderName == nil {
			return nil, &ContractViolationError{Capability: CapReadCloud, Field: fmt.Sprintf("[%d].folder_name", i), Detail: "null"}
		}
		fd := &FileDetails{
			Tag:          cString(e.tag),
			FolderName:   cString(e.folderName),
			LastModified: unixTime(e.lastModified),
		}
		if e.data != nil && e.dataLen > 0 {
			fd.Data = bytes.Clone(unsafe.Slice((*byte)(e.data), e.dataLen))
		}
		out = append(out, fd)
	}
	return out, nil
}

func (b *nativeBackend) Download(ctx context.Context, credentials, tag, folder string) ([]byte, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	var buf unsafe.Pointer
	var size uint64
	ret := b.download(credentials, tag, folder, &buf, &size)
	if buf != nil {
		defer b.freeBuffer(buf, size)
	}
	if msg, failed := b.takeString(ret); failed {
		return nil, &CapabilityError{Capability: CapDownload, Message: msg}
	}
	if buf == nil {
		if size > 0 {
			return nil, &ContractViolationError{Capability: CapDownload, Field: "buffer", Detail: fmt.Sprintf("null buffer with size %d", size)}
		}
		return []byte{}, nil
	}
	return bytes.Clone(unsafe.Slice((*byte)(buf), size)), nil
}

func (b *nativeBackend) Upload(ctx context.Context, credentials, tag, folder string, modified time.Time, data []byte) error {
	if err := b.enter(ctx); err != nil {
		return err
	}
	defer b.mu.RUnlock()

	var ptr *byte
	if len(data) > 0 {
		ptr = &data[0]
	}
	ret := b.upload(credentials, tag, folder, unixSeconds(modified), ptr, uint64(len(data)))
	if msg, failed := b.takeString(ret); failed {
		return &CapabilityError{Capability: CapUpload, Message: msg}
	}
	return nil
}

func (b *nativeBackend) Remove(ctx context.Context, credentials, tag, folder string) error {
	if err := b.enter(ctx); err != nil {
		return err
	}
	defer b.mu.RUnlock()

	if msg, failed := b.takeString(b.remove(credentials, tag, folder)); failed {
		return &CapabilityError{Capability: CapRemove, Message: msg}
	}
	return nil
}

func (b *nativeBackend) Abort(ctx context.Context) error {
	if err := b.enter(ctx); err != nil {
		return err
	}
	defer b.mu.RUnlock()

	if b.abort == nil {
		return nil
	}
	if msg, failed := b.takeString(b.abort()); failed {
		return &CapabilityError{Capability: CapAbort, Message: msg}
	}
	return nil
}

// Close unloads the library once no call is in flight.
func (b *nativeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return closeLibrary(b.handle)
}

// enter takes the read lock for one call. The caller releases it.
func (b *nativeBackend) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrModuleClosed
	}
	return nil
}

// takeString copies a module-allocated string and releases it with ss_free_string.
func (b *nativeBackend) takeString(p unsafe.Pointer) (string, bool) {
	if p == nil {
		return "", false
	}
	s := cString(p)
	b.freeString(p)
	return s, true
}

// cString copies a NUL terminated string without taking ownership.
func cString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return strings.Clone(unsafe.String((*byte)(p), n))
}
