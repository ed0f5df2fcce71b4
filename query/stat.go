package query

import (
	"fmt"
	"os"
	"time"

	times "gopkg.in/djherbis/times.v1"

	"github.com/MrRooten/meta-reader/blockio"
)

// ImageStat is the host filesystem's view of an opened image or device file,
// as distinct from FileStat's view of a file inside that image. It answers
// "when was this evidence file itself created/touched", a question a
// forensic chain-of-custody log needs independent of the volume's own
// timestamps.
type ImageStat struct {
	Path       string
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time
	BirthTime  time.Time
	HasBirth   bool
}

// StatImage stats the image or device file at path on the host filesystem.
// Birth time (creation time) is platform-dependent - ext4 and most Linux
// filesystems expose it via statx, others do not - so HasBirth reports
// whether BirthTime is meaningful rather than leaving callers to guess from
// a zero time.Time.
func StatImage(path string) (ImageStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ImageStat{}, fmt.Errorf("%w: %v", blockio.ErrIo, err)
	}

	t, err := times.Stat(path)
	if err != nil {
		return ImageStat{}, fmt.Errorf("%w: %v", blockio.ErrIo, err)
	}

	stat := ImageStat{
		Path:       path,
		Size:       info.Size(),
		ModTime:    t.ModTime(),
		AccessTime: t.AccessTime(),
		ChangeTime: t.ChangeTime(),
	}
	if t.HasBirthTime() {
		stat.HasBirth = true
		stat.BirthTime = t.BirthTime()
	}
	return stat, nil
}
