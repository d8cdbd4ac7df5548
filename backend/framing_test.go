package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	fetched := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	header := &EntryHeader{
		URL:         "https://example.com/feed",
		Status:      200,
		ContentType: "text/html; charset=utf-8",
		Encoding:    "zstd",
		BodyLength:  13,
		FetchedAt:   fetched,
		ExpiresAt:   fetched.Add(time.Hour),
		ETag:        "abc123",
	}
	bodyData := []byte("hello, world!")

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, bytes.NewReader(bodyData))
	require.NoError(t, err)

	readHeader, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)

	require.Equal(t, header.URL, readHeader.URL)
	require.Equal(t, header.Status, readHeader.Status)
	require.Equal(t, header.ContentType, readHeader.ContentType)
	require.Equal(t, header.Encoding, readHeader.Encoding)
	require.Equal(t, header.BodyLength, readHeader.BodyLength)
	require.True(t, header.FetchedAt.Equal(readHeader.FetchedAt))
	require.True(t, header.ExpiresAt.Equal(readHeader.ExpiresAt))
	require.Equal(t, header.ETag, readHeader.ETag)

	readBody, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, bodyData, readBody)
}

func TestEntryHeaderExpired(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	require.False(t, (&EntryHeader{}).Expired(now))
	require.False(t, (&EntryHeader{ExpiresAt: now.Add(time.Second)}).Expired(now))
	require.True(t, (&EntryHeader{ExpiresAt: now}).Expired(now))
	require.True(t, (&EntryHeader{ExpiresAt: now.Add(-time.Minute)}).Expired(now))
}

func TestReadFramedInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX")
	err := binary.Write(&buf, binary.BigEndian, uint32(10))
	require.NoError(t, err)
	buf.WriteString(`{"test":1}`)

	_, _, err = ReadFramed(&buf)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramedTruncated(t *testing.T) {
	_, _, err := ReadFramed(strings.NewReader("HF"))
	require.Error(t, err)
}

func TestWriteFramedHeaderTooLarge(t *testing.T) {
	header := &EntryHeader{
		URL: "https://example.com/" + strings.Repeat("x", MaxHeaderSize),
	}

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, strings.NewReader(""))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	err := binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1))
	require.NoError(t, err)

	_, _, err = ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedEmptyBody(t *testing.T) {
	header := &EntryHeader{URL: "https://example.com/empty", Status: 204}

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, strings.NewReader(""))
	require.NoError(t, err)

	readHeader, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, 204, readHeader.Status)

	body, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Empty(t, body)
}
