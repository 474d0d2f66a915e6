// Package nifti reads and writes single-file NIfTI-1 images.
//
// Only what volume selection needs is decoded: the header and the raw
// voxel bytes. Voxel values are never interpreted, so any datatype with a
// whole number of bytes per voxel is supported and written back unchanged
// in the byte order it was read with.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// headerSize is sizeof_hdr for NIfTI-1
	headerSize = 348

	// nifti2HeaderSize is sizeof_hdr for NIfTI-2, which is not supported
	nifti2HeaderSize = 540

	// dataOffset is where voxel data starts in images written by this package:
	// the header followed by a 4 byte extension flag
	dataOffset = headerSize + 4
)

var (
	// ErrNotNifti is returned when the input does not start with a NIfTI-1 header
	ErrNotNifti = errors.New("not a NIfTI-1 image")

	// ErrUnsupported is returned for valid NIfTI files this package cannot handle
	ErrUnsupported = errors.New("unsupported NIfTI image")

	// ErrVolumeIndex is returned when a requested volume does not exist
	ErrVolumeIndex = errors.New("volume index out of range")
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// Header is the on-disk NIfTI-1 header. Field order and sizes match the
// format exactly so it can be read and written with encoding/binary.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a NIfTI-1 header plus its raw voxel data
type Image struct {
	Header Header

	// ByteOrder is the byte order the image was read with and will be written in
	ByteOrder binary.ByteOrder

	// Data holds the voxels in file order (x fastest, then y, z, t)
	Data []byte
}

// Shape returns the image's dimensions as stored in dim[1..dim[0]]
func (img *Image) Shape() []int {
	n := int(img.Header.Dim[0])
	shape := make([]int, n)
	for i := 0; i < n; i++ {
		shape[i] = int(img.Header.Dim[i+1])
	}
	return shape
}

// NumVolumes returns the size of the fourth dimension, 1 for 3D images
func (img *Image) NumVolumes() int {
	if img.Header.Dim[0] < 4 || img.Header.Dim[4] < 1 {
		return 1
	}
	return int(img.Header.Dim[4])
}

// volumeBytes is the size in bytes of one 3D volume
func (img *Image) volumeBytes() int {
	n := 1
	for i := 1; i <= 3 && i <= int(img.Header.Dim[0]); i++ {
		n *= int(img.Header.Dim[i])
	}
	return n * int(img.Header.Bitpix) / 8
}

// Volume returns the raw bytes of volume i. The slice aliases img.Data.
func (img *Image) Volume(i int) ([]byte, error) {
	if i < 0 || i >= img.NumVolumes() {
		return nil, fmt.Errorf("%w: %d of %d", ErrVolumeIndex, i, img.NumVolumes())
	}
	size := img.volumeBytes()
	return img.Data[i*size : (i+1)*size], nil
}

// SelectVolumes concatenates the given volumes, in the given order, into a
// new 4D image that shares every other header field with img
func (img *Image) SelectVolumes(indices []int) (*Image, error) {
	size := img.volumeBytes()
	data := make([]byte, 0, size*len(indices))
	for _, i := range indices {
		vol, err := img.Volume(i)
		if err != nil {
			return nil, err
		}
		data = append(data, vol...)
	}

	hdr := img.Header
	hdr.Dim[0] = 4
	for i := 1; i <= 3; i++ {
		if hdr.Dim[i] < 1 {
			hdr.Dim[i] = 1
		}
	}
	hdr.Dim[4] = int16(len(indices))
	for i := 5; i < len(hdr.Dim); i++ {
		hdr.Dim[i] = 1
	}

	return &Image{Header: hdr, ByteOrder: img.ByteOrder, Data: data}, nil
}

// Read decodes a NIfTI-1 image, transparently decompressing gzip input
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotNifti, err)
	}

	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrNotNifti, err)
	}

	order, err := detectByteOrder(raw)
	if err != nil {
		return nil, err
	}

	img := &Image{ByteOrder: order}
	if err := binary.Read(bytes.NewReader(raw), order, &img.Header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if err := checkHeader(&img.Header); err != nil {
		return nil, err
	}

	// Skip the extension flag and any extensions up to the data offset
	skip := int64(img.Header.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %v inside header", ErrNotNifti, img.Header.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, src, skip); err != nil {
		return nil, fmt.Errorf("skipping extensions: %w", err)
	}

	img.Data = make([]byte, img.volumeBytes()*img.NumVolumes())
	if _, err := io.ReadFull(src, img.Data); err != nil {
		return nil, fmt.Errorf("reading voxel data: %w", err)
	}

	return img, nil
}

// detectByteOrder finds the byte order for which sizeof_hdr reads as 348
func detectByteOrder(raw []byte) (binary.ByteOrder, error) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch order.Uint32(raw[:4]) {
		case headerSize:
			return order, nil
		case nifti2HeaderSize:
			return nil, fmt.Errorf("%w: NIfTI-2 header", ErrUnsupported)
		}
	}
	return nil, ErrNotNifti
}

// checkHeader rejects headers whose data this package cannot slice
func checkHeader(h *Header) error {
	if h.Magic != magicSingleFile {
		return fmt.Errorf("%w: magic %q, only single-file n+1 images are handled", ErrUnsupported, h.Magic[:3])
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return fmt.Errorf("%w: dim[0]=%d", ErrNotNifti, h.Dim[0])
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("%w: dim[%d]=%d", ErrNotNifti, i, h.Dim[i])
		}
		if i > 4 && h.Dim[i] > 1 {
			return fmt.Errorf("%w: dimension %d has size %d", ErrUnsupported, i, h.Dim[i])
		}
	}
	if h.Bitpix <= 0 || h.Bitpix%8 != 0 {
		return fmt.Errorf("%w: bitpix %d", ErrUnsupported, h.Bitpix)
	}
	return nil
}

// Write encodes img as a single-file NIfTI-1 image. Extensions are not
// written and vox_offset is reset accordingly.
func Write(w io.Writer, img *Image, compress bool) error {
	order := img.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	hdr := img.Header
	hdr.SizeofHdr = headerSize
	hdr.VoxOffset = dataOffset
	hdr.Magic = magicSingleFile

	dst := w
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(w)
		dst = zw
	}

	if err := binary.Write(dst, order, &hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := dst.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return fmt.Errorf("writing extension flag: %w", err)
	}
	if _, err := dst.Write(img.Data); err != nil {
		return fmt.Errorf("writing voxel data: %w", err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("closing gzip stream: %w", err)
		}
	}
	return nil
}
