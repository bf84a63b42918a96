package pipeline

import (
	"fmt"

	"golang.org/x/text/language"
)

// supportedLanguages lists the UI languages; the first entry is the
// fallback.
var supportedLanguages = []language.Tag{
	language.English,
	language.SimplifiedChinese,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

var userMessages = map[language.Tag]map[ErrorKind]string{
	language.English: {
		KindUnsupportedFormat: "This file type is not supported. Please use a JPEG, PNG or WebP photo.",
		KindFileTooLarge:      "This photo is too large. Please use a photo under 10 MB.",
		KindDecodeError:       "This file could not be read as an image. Please try another photo.",
		KindCompressionFailed: "The photo could not be prepared for upload. Please try again.",
		KindNotFoodBlocked:    "This doesn't look like food. You can analyze it anyway if you're sure.",
		KindImageUnclear:      "The photo is too blurry or dark to analyze. Please retake it with better lighting.",
		KindRemoteNotFood:     "No food was recognized in this photo.",
		KindNoFoodDetected:    "We couldn't find any food in this photo. Try getting closer to the dish.",
		KindTimeout:           "The analysis is taking too long. Please check your connection and try again.",
		KindNetwork:           "Couldn't reach the analysis service. Please check your connection.",
		KindServer:            "The analysis service had a problem. Please try again in a moment.",
		KindCanceled:          "The analysis was canceled.",
		KindInternal:          "Something went wrong. Please try again.",
	},
	language.SimplifiedChinese: {
		KindUnsupportedFormat: "不支持此文件类型，请使用 JPEG、PNG 或 WebP 格式的照片。",
		KindFileTooLarge:      "照片过大，请使用小于 10 MB 的照片。",
		KindDecodeError:       "无法读取此图片文件，请换一张照片试试。",
		KindCompressionFailed: "照片处理失败，请重试。",
		KindNotFoodBlocked:    "这看起来不像食物。如果您确定，可以继续分析。",
		KindImageUnclear:      "照片太模糊或太暗，无法分析。请在光线充足的环境下重拍。",
		KindRemoteNotFood:     "未能在照片中识别出食物。",
		KindNoFoodDetected:    "照片中没有找到食物，请靠近一些再拍。",
		KindTimeout:           "分析时间过长，请检查网络后重试。",
		KindNetwork:           "无法连接分析服务，请检查网络。",
		KindServer:            "分析服务出现问题，请稍后重试。",
		KindCanceled:          "分析已取消。",
		KindInternal:          "出了点问题，请重试。",
	},
}

// UserMessage renders a user-facing description of a pipeline error in the
// best-matching supported language. lang is a BCP 47 tag ("en", "zh-CN",
// "de"); unknown tags fall back to English. A gate block with a detected
// label names what was seen.
func UserMessage(err *Error, lang string) string {
	_, idx := language.MatchStrings(languageMatcher, lang)
	if idx < 0 || idx >= len(supportedLanguages) {
		idx = 0
	}
	msgs := userMessages[supportedLanguages[idx]]

	zh := supportedLanguages[idx] == language.SimplifiedChinese

	if err.Kind == KindNotFoodBlocked && err.DetectedLabel != "" {
		if zh {
			return fmt.Sprintf("这看起来像是「%s」而不是食物。如果您确定，可以继续分析。", err.DetectedLabel)
		}
		return fmt.Sprintf("This looks like %q, not food. You can analyze it anyway if you're sure.", err.DetectedLabel)
	}

	// Remote rejections carry the local classifier's guess when one was
	// made, to give the user something concrete.
	if (err.Kind == KindRemoteNotFood || err.Kind == KindNoFoodDetected) && err.DetectedLabel != "" {
		if zh {
			return fmt.Sprintf("未能在照片中识别出食物，看起来更像是「%s」（%.0f%%）。", err.DetectedLabel, err.DetectedConfidence*100)
		}
		return fmt.Sprintf("No food was recognized in this photo. It looks more like %q (%.0f%% sure).", err.DetectedLabel, err.DetectedConfidence*100)
	}

	if msg, ok := msgs[err.Kind]; ok {
		return msg
	}
	return msgs[KindInternal]
}
