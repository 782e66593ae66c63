package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
)

// streamInfo is what we need from ffprobe about the first video stream.
// Width and Height are the displayed size, which is what ffmpeg emits once it
// has applied the stream's rotation.
type streamInfo struct {
	Width    int
	Height   int
	Frames   int     // 0 when the container does not say
	FPS      float64 // 0 when unknown
	Rotation int     // clockwise degrees in [0, 360)
}

// ffprobeOutput is the structured JSON emitted by ffprobe -of json.
type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		RFrameRate    string `json:"r_frame_rate"`
		Tags          struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation *float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

func parseProbe(out []byte) (streamInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return streamInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return streamInfo{}, ErrNoVideoStream
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return streamInfo{}, fmt.Errorf("%w: invalid dimensions %dx%d", ErrNoVideoStream, s.Width, s.Height)
	}
	info := streamInfo{Width: s.Width, Height: s.Height}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}

	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}

	// Display matrix side data (ffmpeg 5+) wins over the legacy rotate tag
	rotation := 0.0
	if deg, err := strconv.ParseFloat(s.Tags.Rotate, 64); err == nil {
		rotation = deg
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != nil {
			rotation = *sd.Rotation
			break
		}
	}
	info.Rotation = ((int(math.Round(rotation)) % 360) + 360) % 360
	if info.Rotation == 90 || info.Rotation == 270 {
		info.Width, info.Height = info.Height, info.Width
	}
	return info, nil
}

// parseRate turns an ffprobe rational like "30000/1001" into frames per second.
func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// probeStream asks ffprobe for dimensions and (if the container records it) the frame count.
func probeStream(ctx context.Context, ffprobe, path string) (streamInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames,avg_frame_rate,r_frame_rate:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return streamInfo{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

// countPackets is the slow path: ffprobe demuxes the whole file and counts video packets.
func countPackets(ctx context.Context, ffprobe, path string) (int, error) {
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe count packets: %w", err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, ErrNoVideoStream
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0, fmt.Errorf("ffprobe integer parse error: %w", err)
	}
	return count, nil
}

// mp4FrameCount reads the video track's sample count straight from the MP4 boxes,
// without touching any media data. Returns 0 if the file is not an MP4 or has no video track.
func mp4FrameCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	mp4File, err := mp4.DecodeFile(f, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return 0, fmt.Errorf("decode mp4: %w", err)
	}

	// Progressive MP4: the sample size box has the total
	if !mp4File.IsFragmented() {
		if mp4File.Moov == nil {
			return 0, nil
		}
		for _, trak := range mp4File.Moov.Traks {
			if !isVideoTrak(trak) {
				continue
			}
			if stbl := trak.Mdia.Minf.Stbl; stbl != nil && stbl.Stsz != nil {
				return int(stbl.Stsz.SampleNumber), nil
			}
		}
		return 0, nil
	}

	// Fragmented MP4: sum the runs of the video track across fragments
	var videoTrackID uint32
	if mp4File.Init != nil && mp4File.Init.Moov != nil {
		for _, trak := range mp4File.Init.Moov.Traks {
			if isVideoTrak(trak) {
				videoTrackID = trak.Tkhd.TrackID
				break
			}
		}
	}
	if videoTrackID == 0 {
		return 0, nil
	}

	total := 0
	for _, seg := range mp4File.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd == nil || traf.Tfhd.TrackID != videoTrackID {
					continue
				}
				for _, trun := range traf.Truns {
					total += int(trun.SampleCount())
				}
			}
		}
	}
	return total, nil
}

func isVideoTrak(trak *mp4.TrakBox) bool {
	return trak != nil && trak.Tkhd != nil && trak.Mdia != nil && trak.Mdia.Hdlr != nil &&
		trak.Mdia.Hdlr.HandlerType == "vide" && trak.Mdia.Minf != nil
}
