//go:build linux

package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	pixFmtMJPEG webcam.PixelFormat = 0x47504A4D // 'MJPG'
	pixFmtYUYV  webcam.PixelFormat = 0x56595559 // 'YUYV'
)

// V4L2Driver captures from Video4Linux devices.
type V4L2Driver struct{}

// NewV4L2Driver returns the platform camera driver.
func NewV4L2Driver() (Driver, error) {
	return &V4L2Driver{}, nil
}

// Open implements Driver.
func (d *V4L2Driver) Open(ctx context.Context, device string, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cam, err := webcam.Open(device)
	if err != nil {
		return nil, classifyErrno(errors.Wrap(err, "Can not open device"))
	}

	format, err := pickFormat(cam)
	if err != nil {
		cam.Close()
		return nil, err
	}

	format, width, height, err := cam.SetImageFormat(format, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		cam.Close()
		return nil, classifyErrno(errors.Wrap(err, "Can not set image format"))
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, classifyErrno(errors.Wrap(err, "Can not start streaming"))
	}

	return &v4l2Stream{
		cam:    cam,
		format: format,
		width:  int(width),
		height: int(height),
	}, nil
}

func pickFormat(cam *webcam.Webcam) (webcam.PixelFormat, error) {
	formats := cam.GetSupportedFormats()
	if _, ok := formats[pixFmtMJPEG]; ok {
		return pixFmtMJPEG, nil
	}
	if _, ok := formats[pixFmtYUYV]; ok {
		return pixFmtYUYV, nil
	}
	return 0, errors.Wrap(ErrUnsupported, "device offers neither MJPEG nor YUYV")
}

func classifyErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return errors.Wrap(ErrDeviceUnavailable, err.Error())
	}
	switch errno {
	case unix.EACCES, unix.EPERM:
		return errors.Wrap(ErrPermissionDenied, err.Error())
	case unix.ENOTTY, unix.EINVAL:
		return errors.Wrap(ErrUnsupported, err.Error())
	default:
		// EBUSY, ENOENT, ENODEV, ENXIO and anything else: busy or gone.
		return errors.Wrap(ErrDeviceUnavailable, err.Error())
	}
}

type v4l2Stream struct {
	mu     sync.Mutex
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int
}

func (s *v4l2Stream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return nil, ErrDeviceUnavailable
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := s.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return nil, classifyErrno(errors.Wrap(err, "Frame wait failed"))
		}

		frame, err := s.cam.ReadFrame()
		if err != nil {
			return nil, classifyErrno(errors.Wrap(err, "Read frame failed"))
		}
		if len(frame) == 0 {
			continue
		}

		// The driver reuses its mmap buffers.
		buf := append([]byte(nil), frame...)
		return s.decode(buf)
	}
}

func (s *v4l2Stream) decode(buf []byte) (image.Image, error) {
	switch s.format {
	case pixFmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(buf))
		if err != nil {
			return nil, errors.Wrap(ErrNoFrame, "corrupt MJPEG frame")
		}
		return img, nil
	case pixFmtYUYV:
		return yuyvToYCbCr(buf, s.width, s.height)
	default:
		return nil, ErrUnsupported
	}
}

func (s *v4l2Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return nil
	}
	_ = s.cam.StopStreaming()
	err := s.cam.Close()
	s.cam = nil
	return err
}

// yuyvToYCbCr unpacks packed 4:2:2 Y0 U Y1 V macropixels.
func yuyvToYCbCr(buf []byte, width, height int) (image.Image, error) {
	if len(buf) < width*height*2 {
		return nil, errors.Wrapf(ErrNoFrame, "short YUYV frame: %d bytes for %dx%d", len(buf), width, height)
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := buf[y*width*2 : (y+1)*width*2]
		for x := 0; x+1 < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = row[i+3]
		}
	}
	return img, nil
}
