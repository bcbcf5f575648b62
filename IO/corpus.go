package IO

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadConceptSequences reads a corpus file where each line is one visit
// sequence: space-separated concept tokens, optionally followed by a tab and
// the same number of space-separated integer time stamps (days). Blank lines
// are skipped. The returned time-stamp slice is nil when no line carried
// stamps.
func LoadConceptSequences(path string) ([][]string, [][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var sequences [][]string
	var timeStamps [][]int
	sawStamps := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		tokenPart := line
		stampPart := ""
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			tokenPart, stampPart = line[:i], line[i+1:]
		}
		tokens := strings.Fields(tokenPart)
		if len(tokens) == 0 {
			return nil, nil, fmt.Errorf("%s:%d: no tokens", path, lineNo)
		}
		sequences = append(sequences, tokens)

		if stampPart == "" {
			timeStamps = append(timeStamps, nil)
			continue
		}
		fields := strings.Fields(stampPart)
		if len(fields) != len(tokens) {
			return nil, nil, fmt.Errorf("%s:%d: %d tokens but %d time stamps",
				path, lineNo, len(tokens), len(fields))
		}
		stamps := make([]int, len(fields))
		for j, fld := range fields {
			v, err := strconv.Atoi(fld)
			if err != nil {
				return nil, nil, fmt.Errorf("%s:%d: bad time stamp %q: %w", path, lineNo, fld, err)
			}
			stamps[j] = v
		}
		timeStamps = append(timeStamps, stamps)
		sawStamps = true
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if !sawStamps {
		return sequences, nil, nil
	}
	for i, st := range timeStamps {
		if st == nil {
			return nil, nil, fmt.Errorf("%s: sequence %d is missing time stamps", path, i)
		}
	}
	return sequences, timeStamps, nil
}

// PadSequences truncates or right-pads every id sequence to maxLen using the
// unused-token id as filler.
func PadSequences(sequences [][]int, maxLen, unusedTokenID int) [][]int {
	out := make([][]int, len(sequences))
	for i, seq := range sequences {
		padded := make([]int, maxLen)
		n := copy(padded, seq)
		for j := n; j < maxLen; j++ {
			padded[j] = unusedTokenID
		}
		out[i] = padded
	}
	return out
}

// PadTimeStamps truncates or right-pads every stamp sequence to maxLen by
// repeating the last observed stamp, so padding positions carry a finite
// time delta. An empty sequence pads with zeros.
func PadTimeStamps(timeStamps [][]int, maxLen int) [][]int {
	out := make([][]int, len(timeStamps))
	for i, st := range timeStamps {
		padded := make([]int, maxLen)
		n := copy(padded, st)
		last := 0
		if n > 0 {
			last = padded[n-1]
		}
		for j := n; j < maxLen; j++ {
			padded[j] = last
		}
		out[i] = padded
	}
	return out
}

// PaddingMasks marks every unused-token position with 1 and everything else
// with 0, matching the additive-bias mask convention of the model.
func PaddingMasks(sequences [][]int, unusedTokenID int) [][]int {
	out := make([][]int, len(sequences))
	for i, seq := range sequences {
		mask := make([]int, len(seq))
		for j, id := range seq {
			if id == unusedTokenID {
				mask[j] = 1
			}
		}
		out[i] = mask
	}
	return out
}
