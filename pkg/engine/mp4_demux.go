package engine

import (
	"io"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4/mp4io"
	"github.com/pkg/errors"
)

// mp4Sample положение и время одного сэмпла в файле
type mp4Sample struct {
	offset int64
	size   uint32
	dts    int64
	cts    int64
	key    bool
}

type mp4Track struct {
	codec     av.CodecData
	timeScale int64
	samples   []mp4Sample
	next      int
}

func (t *mp4Track) done() bool {
	return t.next >= len(t.samples)
}

func (t *mp4Track) nextTime() time.Duration {
	return tsToDuration(t.samples[t.next].dts, t.timeScale)
}

// mp4Demuxer читает сэмплы дорожек mp4 по возрастанию времени.
// Закончившаяся дорожка выбывает из слияния, EOF наступает только
// после последнего сэмпла самой длинной дорожки.
type mp4Demuxer struct {
	r      io.ReadSeeker
	tracks []*mp4Track
}

func newMP4Demuxer(r io.ReadSeeker) (*mp4Demuxer, error) {
	atoms, err := mp4io.ReadFileAtoms(r)
	if err != nil {
		return nil, errors.Wrap(err, "разбор атомов mp4")
	}

	var moov *mp4io.Movie
	for _, atom := range atoms {
		if atom.Tag() == mp4io.MOOV {
			moov = atom.(*mp4io.Movie)
		}
	}
	if moov == nil {
		return nil, errors.New("в mp4 нет атома moov")
	}

	d := &mp4Demuxer{r: r}
	for i, track := range moov.Tracks {
		if track.Media == nil || track.Media.Header == nil || track.Media.Info == nil || track.Media.Info.Sample == nil {
			return nil, errors.Errorf("дорожка %d без таблицы сэмплов", i)
		}

		var codec av.CodecData
		if avc1 := track.GetAVC1Conf(); avc1 != nil {
			if codec, err = h264parser.NewCodecDataFromAVCDecoderConfRecord(avc1.Data); err != nil {
				return nil, errors.Wrapf(err, "avcC дорожки %d", i)
			}
		} else if esds := track.GetElemStreamDesc(); esds != nil {
			if codec, err = aacparser.NewCodecDataFromMPEG4AudioConfigBytes(esds.DecConfig); err != nil {
				return nil, errors.Wrapf(err, "esds дорожки %d", i)
			}
		} else {
			continue
		}

		timeScale := int64(track.Media.Header.TimeScale)
		if timeScale <= 0 {
			return nil, errors.Errorf("дорожка %d: timescale %d", i, timeScale)
		}

		samples, err := buildMP4Samples(track.Media.Info.Sample)
		if err != nil {
			return nil, errors.Wrapf(err, "дорожка %d", i)
		}

		d.tracks = append(d.tracks, &mp4Track{
			codec:     codec,
			timeScale: timeScale,
			samples:   samples,
		})
	}

	return d, nil
}

func (d *mp4Demuxer) Streams() ([]av.CodecData, error) {
	codecs := make([]av.CodecData, len(d.tracks))
	for i, t := range d.tracks {
		codecs[i] = t.codec
	}
	return codecs, nil
}

func (d *mp4Demuxer) ReadPacket() (av.Packet, error) {
	chosen := -1
	for i, t := range d.tracks {
		if t.done() {
			continue
		}
		if chosen < 0 || t.nextTime() < d.tracks[chosen].nextTime() {
			chosen = i
		}
	}
	if chosen < 0 {
		return av.Packet{}, io.EOF
	}

	t := d.tracks[chosen]
	s := t.samples[t.next]

	data := make([]byte, s.size)
	if _, err := d.r.Seek(s.offset, io.SeekStart); err != nil {
		return av.Packet{}, err
	}
	if _, err := io.ReadFull(d.r, data); err != nil {
		return av.Packet{}, err
	}
	t.next++

	return av.Packet{
		Idx:             int8(chosen),
		IsKeyFrame:      s.key,
		Time:            tsToDuration(s.dts, t.timeScale),
		CompositionTime: tsToDuration(s.cts, t.timeScale),
		Data:            data,
	}, nil
}

// buildMP4Samples разворачивает stsc/stco/stsz/stts/ctts/stss в список сэмплов
func buildMP4Samples(st *mp4io.SampleTable) ([]mp4Sample, error) {
	if st.TimeToSample == nil || st.SampleToChunk == nil || st.ChunkOffset == nil || st.SampleSize == nil {
		return nil, errors.New("неполная таблица сэмплов")
	}

	count := len(st.SampleSize.Entries)
	if st.SampleSize.SampleSize != 0 {
		count = 0
		for _, e := range st.TimeToSample.Entries {
			count += int(e.Count)
		}
	}

	sizeOf := func(i int) uint32 {
		if st.SampleSize.SampleSize != 0 {
			return st.SampleSize.SampleSize
		}
		return st.SampleSize.Entries[i]
	}

	stsc := st.SampleToChunk.Entries
	if len(stsc) == 0 && count > 0 {
		return nil, errors.New("пустая таблица stsc")
	}

	samples := make([]mp4Sample, 0, count)
	group := 0
	for chunk, chunkOffset := range st.ChunkOffset.Entries {
		if len(samples) == count {
			break
		}
		// FirstChunk нумеруется с единицы
		for group+1 < len(stsc) && uint32(chunk+1) >= stsc[group+1].FirstChunk {
			group++
		}

		offset := int64(chunkOffset)
		for n := uint32(0); n < stsc[group].SamplesPerChunk && len(samples) < count; n++ {
			size := sizeOf(len(samples))
			samples = append(samples, mp4Sample{offset: offset, size: size})
			offset += int64(size)
		}
	}
	if len(samples) != count {
		return nil, errors.Errorf("чанки описывают %d сэмплов из %d", len(samples), count)
	}

	i := 0
	var dts int64
	for _, e := range st.TimeToSample.Entries {
		for n := uint32(0); n < e.Count && i < count; n++ {
			samples[i].dts = dts
			dts += int64(e.Duration)
			i++
		}
	}
	for ; i < count; i++ {
		samples[i].dts = dts
	}

	if st.CompositionOffset != nil {
		i = 0
		for _, e := range st.CompositionOffset.Entries {
			offset := int64(e.Offset)
			if st.CompositionOffset.Version == 1 {
				offset = int64(int32(e.Offset))
			}
			for n := uint32(0); n < e.Count && i < count; n++ {
				samples[i].cts = offset
				i++
			}
		}
	}

	if st.SyncSample == nil {
		for i := range samples {
			samples[i].key = true
		}
	} else {
		for _, n := range st.SyncSample.Entries {
			if n >= 1 && int(n) <= count {
				samples[n-1].key = true
			}
		}
	}

	return samples, nil
}

func tsToDuration(ts, timeScale int64) time.Duration {
	return time.Duration(ts/timeScale)*time.Second +
		time.Duration(ts%timeScale)*time.Second/time.Duration(timeScale)
}
