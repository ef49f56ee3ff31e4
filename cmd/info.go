package cmd

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ollama/inpaint/envconfig"
	"github.com/ollama/inpaint/latent"
	"github.com/ollama/inpaint/mask"
)

// maxRows bounds the per-sample rows printed for large ensembles.
const maxRows = 16

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("\t")
	return table
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// prettyPrintStats prints the mean, standard deviation and range of each sample of a
// (B, C, H, W) tensor.
func prettyPrintStats(out io.Writer, t *tensor.Dense) error {
	b, _, _, _, err := latent.Dims(t)
	if err != nil {
		return err
	}

	t, err = latent.Upcast(t)
	if err != nil {
		return err
	}

	table := newTable(out)
	table.SetHeader([]string{"SAMPLE", "MEAN", "STD", "MIN", "MAX"})

	data := t.Float64s()
	n := len(data) / b
	for i := range min(b, maxRows) {
		sample := data[i*n : (i+1)*n]
		mean, std := stat.MeanStdDev(sample, nil)
		table.Append([]string{
			strconv.Itoa(i),
			formatFloat(mean),
			formatFloat(std),
			formatFloat(floats.Min(sample)),
			formatFloat(floats.Max(sample)),
		})
	}
	table.Render()

	if b > maxRows {
		fmt.Fprintf(out, "... %d more\n", b-maxRows)
	}
	return nil
}

// prettyPrintMask prints the number of known positions in each channel of each batch
// element.
func prettyPrintMask(out io.Writer, m *tensor.Dense) error {
	b, c, h, w, err := latent.Dims(m)
	if err != nil {
		return err
	}

	counts := make([][]int, c)
	for ch := range c {
		if counts[ch], err = mask.Count(m, ch); err != nil {
			return err
		}
	}

	header := []string{"BATCH"}
	for ch := range c {
		header = append(header, fmt.Sprintf("CH%d", ch))
	}

	table := newTable(out)
	table.SetHeader(header)
	for i := range min(b, maxRows) {
		row := []string{strconv.Itoa(i)}
		for ch := range c {
			row = append(row, fmt.Sprintf("%d/%d", counts[ch][i], h*w))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func prettyPrintEnv(out io.Writer) {
	env := envconfig.AsMap()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	table := newTable(out)
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	for _, k := range keys {
		v := env[k]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()

	fmt.Fprintf(out, "\nConfiguration file: %s\n", envconfig.ConfigPath())
}
