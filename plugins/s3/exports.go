package main

/*
#include <stdint.h>
#include <stdlib.h>

// layouts match plugins/include/savesync_plugin.h
typedef struct ss_plugin_info {
    char *name;
    char *description;
    char *author;
    char *icon_url;
} ss_plugin_info;

typedef struct ss_file_details {
    char *tag;
    char *folder_name;
    uint64_t last_modified;
    uint8_t *data;
    uint64_t data_len;
} ss_file_details;
*/
import "C"

import (
	"bytes"
	"time"
	"unsafe"
)

//export ss_info
func ss_info() *C.ss_plugin_info {
	info := (*C.ss_plugin_info)(C.calloc(1, C.sizeof_ss_plugin_info))
	info.name = C.CString(pluginName)
	info.description = C.CString(pluginDescription)
	info.author = C.CString(pluginAuthor)
	info.icon_url = C.CString(pluginIcon)
	return info
}

//export ss_free_info
func ss_free_info(info *C.ss_plugin_info) {
	if info == nil {
		return
	}
	C.free(unsafe.Pointer(info.name))
	C.free(unsafe.Pointer(info.description))
	C.free(unsafe.Pointer(info.author))
	C.free(unsafe.Pointer(info.icon_url))
	C.free(unsafe.Pointer(info))
}

//export ss_validate
func ss_validate(credentials, redirectURI *C.char, authURL **C.char) *C.char {
	*authURL = nil
	return cError(validate(C.GoString(credentials), C.GoString(redirectURI)))
}

//export ss_extract_credentials
func ss_extract_credentials(callbackURL *C.char, credentials **C.char) *C.char {
	*credentials = nil
	blob, err := extractCredentials(C.GoString(callbackURL))
	if err != nil {
		return cError(err)
	}
	*credentials = C.CString(blob)
	return nil
}

//export ss_read_cloud
func ss_read_cloud(credentials *C.char, details **C.ss_file_details, count *C.uint64_t) *C.char {
	*details = nil
	*count = 0

	folders, err := readCloud(C.GoString(credentials))
	if err != nil {
		return cError(err)
	}
	if len(folders) == 0 {
		return nil
	}

	arr := (*C.ss_file_details)(C.calloc(C.size_t(len(folders)), C.sizeof_ss_file_details))
	entries := unsafe.Slice(arr, len(folders))
	for i, f := range folders {
		entries[i].tag = C.CString(f.Tag)
		entries[i].folder_name = C.CString(f.Folder)
		entries[i].last_modified = C.uint64_t(unixSeconds(f.LastModified))
	}
	*details = arr
	*count = C.uint64_t(len(folders))
	return nil
}

//export ss_free_file_details
func ss_free_file_details(details *C.ss_file_details, count C.uint64_t) {
	if details == nil {
		return
	}
	for _, e := range unsafe.Slice(details, int(count)) {
		C.free(unsafe.Pointer(e.tag))
		C.free(unsafe.Pointer(e.folder_name))
		if e.data != nil {
			C.free(unsafe.Pointer(e.data))
		}
	}
	C.free(unsafe.Pointer(details))
}

//export ss_download
func ss_download(credentials, tag, folder *C.char, buf **C.uint8_t, size *C.uint64_t) *C.char {
	*buf = nil
	*size = 0

	data, err := download(C.GoString(credentials), C.GoString(tag), C.GoString(folder))
	if err != nil {
		return cError(err)
	}
	if len(data) == 0 {
		return nil
	}
	*buf = (*C.uint8_t)(C.CBytes(data))
	*size = C.uint64_t(len(data))
	return nil
}

//export ss_free_buffer
func ss_free_buffer(buf *C.uint8_t, size C.uint64_t) {
	C.free(unsafe.Pointer(buf))
}

//export ss_upload
func ss_upload(credentials, tag, folder *C.char, modified C.uint64_t, buf *C.uint8_t, size C.uint64_t) *C.char {
	var data []byte
	if buf != nil && size > 0 {
		data = bytes.Clone(unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(size)))
	}
	err := upload(C.GoString(credentials), C.GoString(tag), C.GoString(folder), time.Unix(int64(modified), 0), data)
	return cError(err)
}

//export ss_remove
func ss_remove(credentials, tag, folder *C.char) *C.char {
	return cError(remove(C.GoString(credentials), C.GoString(tag), C.GoString(folder)))
}

//export ss_abort
func ss_abort() *C.char {
	if msg := abort(); msg != "" {
		return C.CString(msg)
	}
	return nil
}

//export ss_free_string
func ss_free_string(s *C.char) {
	C.free(unsafe.Pointer(s))
}

func cError(err error) *C.char {
	if err == nil {
		return nil
	}
	return C.CString(err.Error())
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
