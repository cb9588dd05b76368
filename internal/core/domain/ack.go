package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The ack message doubles as the canonical serialization of an accepted
// request: RenderAck produces it and ParseAck reads it back when a user
// redoes a generation, so the templates and regexes below must stay in
// lockstep. Four mandatory lines, then at most one of the img2img or
// upscaling lines, then an optional refiner line.
var (
	ackGenRe      = regexp.MustCompile(`^Generating (\d+) images for prompt: (.+)$`)
	ackNegRe      = regexp.MustCompile(`^negative prompt: (.*)$`)
	ackModelRe    = regexp.MustCompile(`^Using model: (.+?), vae: (.+?), image size: (\d+?)x(\d+)$`)
	ackSamplingRe = regexp.MustCompile(`^Using steps: (\d+?), cfg: (\d*\.\d{2}), sampler: (.+?), seed (\d+)$`)
	ackImg2ImgRe  = regexp.MustCompile(`^img2img resize mode: (.+?), denoising str (\d*\.\d{2}), url: (.+)$`)
	ackHighresRe  = regexp.MustCompile(`^Upscaling by (\d*\.\d{2}) using highres upscaler (.+?), (\d+) steps\. Denoising str (\d*\.\d{2})$`)
	ackRefinerRe  = regexp.MustCompile(`^Using refiner model: (.+?), refiner switch at value: (\d*\.\d{2})$`)
)

// RenderAck formats the acknowledgement for a request whose values have
// been resolved and validated.
func RenderAck(v Values) string {
	batchSize, _ := v.Int(ParamBatchSize)
	prompt, _ := v.Str(ParamPrompt)
	negPrompt, _ := v.Str(ParamNegPrompt)
	model, _ := v.Str(ParamModel)
	vae, _ := v.Str(ParamVAE)
	width, _ := v.Int(ParamWidth)
	height, _ := v.Int(ParamHeight)
	steps, _ := v.Int(ParamSteps)
	cfg, _ := v.Float(ParamCFG)
	sampler, _ := v.Str(ParamSampler)
	seed, _ := v.Int(ParamSeed)

	var b strings.Builder
	fmt.Fprintf(&b, "Generating %d images for prompt: %s\n", batchSize, prompt)
	fmt.Fprintf(&b, "negative prompt: %s\n", negPrompt)
	fmt.Fprintf(&b, "Using model: %s, vae: %s, image size: %dx%d\n", model, vae, width, height)
	fmt.Fprintf(&b, "Using steps: %d, cfg: %.2f, sampler: %s, seed %d\n", steps, cfg, sampler, seed)

	if url, ok := v.Str(ParamImageURL); ok && url != "" {
		mode, _ := v.Str(ParamResizeMode)
		denoising, _ := v.Float(ParamDenoisingStrImg2Img)
		fmt.Fprintf(&b, "img2img resize mode: %s, denoising str %.2f, url: %s\n", mode, denoising, url)
	} else if scale, ok := v.Float(ParamScale); ok && scale > 1 {
		upscaler, _ := v.Str(ParamUpscaler)
		highresSteps, _ := v.Int(ParamHighresSteps)
		denoising, _ := v.Float(ParamDenoisingStr)
		fmt.Fprintf(&b, "Upscaling by %.2f using highres upscaler %s, %d steps. Denoising str %.2f\n",
			scale, upscaler, highresSteps, denoising)
	}

	if refiner, ok := v.Str(ParamRefiner); ok {
		if switchAt, ok := v.Float(ParamRefinerSwitchAt); ok {
			fmt.Fprintf(&b, "Using refiner model: %s, refiner switch at value: %.2f\n", refiner, switchAt)
		}
	}

	return b.String()
}

// ParseAck recovers the parameter values from an ack message. Numeric
// fields are coerced to their declared kinds and the result is validated
// against table, so out-of-range or retired values degrade to defaults
// instead of failing. The mandatory lines must match exactly; extra
// unrecognized lines are ignored.
func ParseAck(message string, table Params) (Values, error) {
	lines := strings.Split(message, "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 4 {
		return nil, fmt.Errorf("%w: fewer lines than expected", ErrMalformedAck)
	}

	values := Values{ParamScale: 1.0}

	m := ackGenRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[0])
	}
	batchSize, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[0])
	}
	values[ParamBatchSize] = batchSize
	values[ParamPrompt] = m[2]

	m = ackNegRe.FindStringSubmatch(lines[1])
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[1])
	}
	values[ParamNegPrompt] = m[1]

	m = ackModelRe.FindStringSubmatch(lines[2])
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[2])
	}
	values[ParamModel] = m[1]
	values[ParamVAE] = m[2]
	if values[ParamWidth], err = strconv.Atoi(m[3]); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[2])
	}
	if values[ParamHeight], err = strconv.Atoi(m[4]); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[2])
	}

	m = ackSamplingRe.FindStringSubmatch(lines[3])
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[3])
	}
	if values[ParamSteps], err = strconv.Atoi(m[1]); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[3])
	}
	values[ParamCFG], _ = strconv.ParseFloat(m[2], 64)
	values[ParamSampler] = m[3]
	if values[ParamSeed], err = strconv.Atoi(m[4]); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAck, lines[3])
	}

	rest := lines[4:]
	if len(rest) > 0 {
		if m := ackImg2ImgRe.FindStringSubmatch(rest[0]); m != nil {
			values[ParamResizeMode] = m[1]
			values[ParamDenoisingStrImg2Img], _ = strconv.ParseFloat(m[2], 64)
			values[ParamImageURL] = m[3]
			rest = rest[1:]
		} else if m := ackHighresRe.FindStringSubmatch(rest[0]); m != nil {
			values[ParamScale], _ = strconv.ParseFloat(m[1], 64)
			values[ParamUpscaler] = m[2]
			if values[ParamHighresSteps], err = strconv.Atoi(m[3]); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrMalformedAck, rest[0])
			}
			values[ParamDenoisingStr], _ = strconv.ParseFloat(m[4], 64)
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		if m := ackRefinerRe.FindStringSubmatch(rest[0]); m != nil {
			values[ParamRefiner] = m[1]
			values[ParamRefinerSwitchAt], _ = strconv.ParseFloat(m[2], 64)
		}
	}

	return table.Validate(values), nil
}
